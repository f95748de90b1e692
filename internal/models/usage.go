package models

import (
	"time"

	"github.com/miniapp-entitlements/internal/types"
)

// UsageCounter is the number of metered calls a wallet spent in one category on one UTC day
type UsageCounter struct {
	Address   string              `json:"address" db:"address"`
	Category  types.UsageCategory `json:"category" db:"category"`
	UsageDate time.Time           `json:"usageDate" db:"usage_date"`
	Calls     int                 `json:"calls" db:"calls"`
}

// UsageDay truncates t to the start of its UTC calendar day
func UsageDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
