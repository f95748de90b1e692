package api

import (
	stderrors "errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/miniapp-entitlements/internal/errors"
	"github.com/miniapp-entitlements/internal/types"
)

// Validate is shared by every request DTO
var Validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return f.Name
		}
		return name
	})
	_ = v.RegisterValidation("txhash", func(fl validator.FieldLevel) bool {
		_, err := types.NormalizeTxHash(fl.Field().String())
		return err == nil
	})
	_ = v.RegisterValidation("paidtier", func(fl validator.FieldLevel) bool {
		return types.Tier(fl.Field().String()).Paid()
	})
	return v
}

// validateStruct maps the first validation failure onto a domain error code
func validateStruct(v interface{}) error {
	err := Validate.Struct(v)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !stderrors.As(err, &verrs) || len(verrs) == 0 {
		return errors.NewInvalidParameterError("body", err.Error())
	}

	fe := verrs[0]
	value := fmt.Sprint(fe.Value())
	switch fe.Tag() {
	case "eth_addr":
		return types.NewInvalidAddressError(value)
	case "txhash":
		return &types.ServiceError{
			Code:    types.CodeInvalidTxHash,
			Message: fmt.Sprintf("invalid transaction hash: %s", value),
		}
	case "paidtier":
		return types.NewInvalidTierError(value, types.PaidTiers)
	default:
		return errors.NewInvalidParameterError(fe.Field(), fmt.Sprintf("failed %q validation", fe.Tag()))
	}
}

// ConfirmPaymentRequest is the body of POST /api/subscriptions
type ConfirmPaymentRequest struct {
	Address string `json:"address" validate:"required,eth_addr"`
	Tier    string `json:"tier" validate:"required,paidtier"`
	TxHash  string `json:"txHash" validate:"required,txhash"`
}

// RegisterUserRequest is the body of POST /api/users
type RegisterUserRequest struct {
	Address string  `json:"address" validate:"required,eth_addr"`
	FID     *int64  `json:"fid,omitempty" validate:"omitempty,gt=0"`
	Email   *string `json:"email,omitempty" validate:"omitempty,email"`
}

// NotificationDetailsRequest is the body of PUT /api/users/{address}/notifications.
// Both fields empty clears the stored details.
type NotificationDetailsRequest struct {
	Token string `json:"token" validate:"omitempty,max=256"`
	URL   string `json:"url" validate:"omitempty,url"`
}

// CreateEchoRequest is the body of POST /api/echoes
type CreateEchoRequest struct {
	Address   string  `json:"address" validate:"required,eth_addr"`
	CastHash  string  `json:"castHash" validate:"required,max=128"`
	Content   string  `json:"content" validate:"max=1024"`
	Sentiment *string `json:"sentiment,omitempty" validate:"omitempty,max=32"`
}

// CreateNFTRequest is the body of POST /api/nfts
type CreateNFTRequest struct {
	Address         string `json:"address" validate:"required,eth_addr"`
	TokenID         string `json:"tokenId" validate:"required,numeric"`
	ContractAddress string `json:"contractAddress" validate:"required,eth_addr"`
	TxHash          string `json:"txHash" validate:"required,txhash"`
	MetadataURI     string `json:"metadataUri" validate:"omitempty,uri"`
}
