package types

import (
	"errors"
	"fmt"
	"testing"
)

func TestParseTier(t *testing.T) {
	tests := []struct {
		in      string
		want    Tier
		wantErr bool
	}{
		{in: "free", want: TierFree},
		{in: "premium", want: TierPremium},
		{in: " PRO ", want: TierPro},
		{in: "gold", wantErr: true},
		{in: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseTier(tt.in)
			if tt.wantErr {
				if !HasCode(err, CodeInvalidTier) {
					t.Fatalf("ParseTier(%q) error = %v, want INVALID_TIER", tt.in, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseTier(%q) unexpected error: %v", tt.in, err)
			}
			if got != tt.want {
				t.Errorf("ParseTier(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestParsePaidTier_RejectsFree(t *testing.T) {
	if _, err := ParsePaidTier("free"); !HasCode(err, CodeInvalidTier) {
		t.Errorf("expected INVALID_TIER for free, got %v", err)
	}
	if got, err := ParsePaidTier("pro"); err != nil || got != TierPro {
		t.Errorf("ParsePaidTier(pro) = %q, %v", got, err)
	}
}

func TestNormalizeAddress(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    string
		wantErr bool
	}{
		{name: "mixed case", in: "0xABCDEF0123456789ABCDEF0123456789ABCDEF01", want: "0xabcdef0123456789abcdef0123456789abcdef01"},
		{name: "surrounding space", in: " 0x1234567890123456789012345678901234567890 ", want: "0x1234567890123456789012345678901234567890"},
		{name: "missing prefix", in: "1234567890123456789012345678901234567890", wantErr: true},
		{name: "too short", in: "0x1234", wantErr: true},
		{name: "non hex", in: "0xZZ34567890123456789012345678901234567890", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NormalizeAddress(tt.in)
			if tt.wantErr {
				if !HasCode(err, CodeInvalidAddress) {
					t.Fatalf("expected INVALID_ADDRESS, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("NormalizeAddress() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestNormalizeTxHash(t *testing.T) {
	valid := "0x" + "AB" + fmt.Sprintf("%062d", 7)
	got, err := NormalizeTxHash(valid)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "0xab"+fmt.Sprintf("%062d", 7) {
		t.Errorf("hash not lower-cased: %s", got)
	}

	for _, bad := range []string{"", "0x1234", "ab" + fmt.Sprintf("%064d", 0), "0x" + fmt.Sprintf("%065d", 0)} {
		if _, err := NormalizeTxHash(bad); !HasCode(err, CodeInvalidTxHash) {
			t.Errorf("NormalizeTxHash(%q) error = %v, want INVALID_TX_HASH", bad, err)
		}
	}
}

func TestErrorCode_Wrapped(t *testing.T) {
	err := fmt.Errorf("create subscription: %w", NewInvalidAddressError("nope"))
	if ErrorCode(err) != CodeInvalidAddress {
		t.Errorf("ErrorCode() = %q, want %q", ErrorCode(err), CodeInvalidAddress)
	}
	if ErrorCode(errors.New("plain")) != "" {
		t.Error("plain errors carry no code")
	}
}

func TestReminderKind_Days(t *testing.T) {
	if Reminder3Day.Days() != 3 || Reminder1Day.Days() != 1 {
		t.Error("unexpected reminder windows")
	}
	if _, err := ParseReminderKind("7d"); err == nil {
		t.Error("expected error for unknown reminder kind")
	}
}

func TestQuotaExceededError_ServiceError(t *testing.T) {
	qe := &QuotaExceededError{Tier: TierFree, Category: CategoryTrending, Limit: 10, Used: 10}
	svcErr := qe.ServiceError()
	if svcErr.Code != CodeQuotaExceeded {
		t.Errorf("code = %s", svcErr.Code)
	}
	if svcErr.Details["limit"] != 10 {
		t.Errorf("limit detail = %v", svcErr.Details["limit"])
	}
}
