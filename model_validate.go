package fly402

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

var validate = newValidator()

// Validate checks the request's field invariants. Failures are
// [InvalidPaymentRequest] errors naming the offending field.
func (r PaymentRequest) Validate() error {
	if err := validate.Struct(r); err != nil {
		return NewInvalidPaymentRequestError(normalizeValidationError(err).Error(), WithReference(r.Reference))
	}
	return nil
}

// ValidateIssuance additionally checks that ExpiresAt lies in
// (now, now+maxTimeout].
func (r PaymentRequest) ValidateIssuance(now time.Time, maxTimeout time.Duration) error {
	if err := r.Validate(); err != nil {
		return err
	}
	if !r.ExpiresAt.After(now) {
		return NewInvalidPaymentRequestError("expiresAt must be in the future",
			WithReference(r.Reference), WithExpiryDelta(now.Sub(r.ExpiresAt)))
	}
	if maxTimeout > 0 && r.ExpiresAt.Sub(now) > maxTimeout {
		return NewInvalidPaymentRequestError(fmt.Sprintf("expiresAt cannot be more than %s ahead", maxTimeout),
			WithReference(r.Reference), WithExpiryDelta(now.Sub(r.ExpiresAt)))
	}
	return nil
}

// Validate checks the authorization's field invariants.
func (a PaymentAuthorization) Validate() error {
	if err := validate.Struct(a); err != nil {
		return NewInvalidPaymentRequestError(normalizeValidationError(err).Error(), WithReference(a.Reference))
	}
	return nil
}

// EncodeAuthorization renders a for [HeaderAuthorization].
func EncodeAuthorization(a PaymentAuthorization) (string, error) {
	raw, err := json.Marshal(a)
	if err != nil {
		return "", fmt.Errorf("fly402: encode authorization: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// DecodeAuthorization parses a [HeaderAuthorization] value. Unknown or
// missing fields are rejected.
func DecodeAuthorization(value string) (PaymentAuthorization, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(value))
	if err != nil {
		return PaymentAuthorization{}, NewInvalidPaymentRequestError("authorization header must be base64", WithCause(err))
	}
	var a PaymentAuthorization
	if err := decodeStrict(bytes.NewReader(raw), &a); err != nil {
		return PaymentAuthorization{}, NewInvalidPaymentRequestError("authorization is not valid JSON", WithCause(err))
	}
	if err := a.Validate(); err != nil {
		return PaymentAuthorization{}, err
	}
	return a, nil
}

// ParseChallenge decodes a 402 response body.
func ParseChallenge(body io.Reader) (*Challenge, error) {
	var c Challenge
	if err := decodeStrict(body, &c); err != nil {
		return nil, NewInvalidPaymentRequestError("challenge is not valid JSON", WithCause(err))
	}
	if c.Version != ProtocolVersion {
		return nil, NewInvalidPaymentRequestError(fmt.Sprintf("unsupported x402Version %d", c.Version))
	}
	if err := c.PaymentRequest.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// toBaseUnits converts a whole-unit amount into the asset's smallest
// unit, refusing amounts that would lose precision or overflow.
func toBaseUnits(amount decimal.Decimal, decimals uint8) (uint64, error) {
	scaled := amount.Shift(int32(decimals))
	if !scaled.Equal(scaled.Truncate(0)) {
		return 0, fmt.Errorf("amount %s is finer than the asset's %d decimals", amount, decimals)
	}
	if scaled.Sign() <= 0 {
		return 0, fmt.Errorf("amount %s must be positive", amount)
	}
	if scaled.GreaterThan(decimal.NewFromUint64(math.MaxUint64)) {
		return 0, fmt.Errorf("amount %s overflows the asset's base units", amount)
	}
	return scaled.BigInt().Uint64(), nil
}

func fromBaseUnits(units uint64, decimals uint8) decimal.Decimal {
	return decimal.NewFromUint64(units).Shift(-int32(decimals))
}

func decodeStrict(r io.Reader, v any) error {
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("body required")
		}
		return err
	}
	if dec.More() {
		return errors.New("unexpected data after JSON body")
	}
	return nil
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.Split(field.Tag.Get("json"), ",")[0]
		if name == "" || name == "-" {
			return field.Name
		}
		return name
	})

	v.RegisterCustomTypeFunc(func(field reflect.Value) any {
		if d, ok := field.Interface().(decimal.Decimal); ok {
			return d.String()
		}
		return nil
	}, decimal.Decimal{})

	if err := v.RegisterValidation("positive_decimal", func(fl validator.FieldLevel) bool {
		value, ok := fl.Field().Interface().(string)
		if !ok {
			return false
		}
		d, err := decimal.NewFromString(value)
		if err != nil {
			return false
		}
		return d.Sign() > 0 && -d.Exponent() <= MaxAmountScale
	}); err != nil {
		panic(err)
	}

	return v
}

func normalizeValidationError(err error) error {
	var validationErrs validator.ValidationErrors
	if !errors.As(err, &validationErrs) {
		return err
	}
	first := validationErrs[0]
	return fmt.Errorf("%s %s", jsonPath(first), validationMessage(first))
}

func jsonPath(fe validator.FieldError) string {
	path := fe.Namespace()
	if idx := strings.Index(path, "."); idx >= 0 {
		path = path[idx+1:]
	}
	if path == "" {
		return fe.Field()
	}
	return path
}

func validationMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "max":
		return fmt.Sprintf("cannot exceed %s characters", fe.Param())
	case "positive_decimal":
		return fmt.Sprintf("must be a positive decimal with at most %d fractional digits", MaxAmountScale)
	default:
		return fmt.Sprintf("failed validation: %s", fe.Tag())
	}
}
