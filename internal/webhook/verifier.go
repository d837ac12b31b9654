// Package webhook admits signed provider webhooks: it verifies the signature
// over the raw body and hands verified payloads to the event processor.
package webhook

import (
	stderrors "errors"
	"strconv"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/lumen-commerce/commerce_layer/internal/errors"
)

// SignatureHeader carries "t=<unix>,v1=<hex hmac>[,v1=...]".
const SignatureHeader = "Stripe-Signature"

// DefaultTolerance is the accepted clock skew between sender and receiver.
const DefaultTolerance = 300 * time.Second

// Verifier checks HMAC-SHA256 signatures computed over "<t>.<raw body>".
type Verifier struct {
	secret    string
	tolerance time.Duration
	now       func() time.Time
}

// NewVerifier creates a verifier for one signing secret.
func NewVerifier(secret string, tolerance time.Duration) *Verifier {
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	return &Verifier{secret: secret, tolerance: tolerance, now: time.Now}
}

// WithClock sets the time source used for the replay window.
func (v *Verifier) WithClock(now func() time.Time) *Verifier {
	v.now = now
	return v
}

// Tolerance returns the replay window.
func (v *Verifier) Tolerance() time.Duration {
	return v.tolerance
}

// Verify validates header against payload. It must run on the exact bytes
// received, before any decoding.
func (v *Verifier) Verify(payload []byte, header string) error {
	header = strings.TrimSpace(header)
	if header == "" {
		return errors.Signature(errors.CodeSignatureMissing, nil)
	}

	ts, err := parseTimestamp(header)
	if err != nil {
		return errors.Signature(errors.CodeSignatureFormat, err)
	}

	if err := webhook.ValidatePayloadIgnoringTolerance(payload, header, v.secret); err != nil {
		switch {
		case stderrors.Is(err, webhook.ErrNotSigned):
			return errors.Signature(errors.CodeSignatureMissing, err)
		case stderrors.Is(err, webhook.ErrInvalidHeader):
			return errors.Signature(errors.CodeSignatureFormat, err)
		default:
			return errors.Signature(errors.CodeSignatureInvalid, err)
		}
	}

	skew := v.now().Sub(ts)
	if skew < 0 {
		skew = -skew
	}
	if skew > v.tolerance {
		return errors.Signature(errors.CodeSignatureTimestamp, nil).
			WithDetails("tolerance_seconds", int(v.tolerance.Seconds()))
	}
	return nil
}

// parseTimestamp extracts t= and checks that at least one v1= is present.
func parseTimestamp(header string) (time.Time, error) {
	var (
		ts     int64
		haveTS bool
		haveV1 bool
	)
	for _, part := range strings.Split(header, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			return time.Time{}, stderrors.New("signature header item without '='")
		}
		switch key {
		case "t":
			n, err := strconv.ParseInt(value, 10, 64)
			if err != nil || n <= 0 {
				return time.Time{}, stderrors.New("signature timestamp is not a unix time")
			}
			ts, haveTS = n, true
		case "v1":
			if value == "" {
				return time.Time{}, stderrors.New("empty v1 signature")
			}
			haveV1 = true
		}
	}
	if !haveTS {
		return time.Time{}, stderrors.New("signature header has no timestamp")
	}
	if !haveV1 {
		return time.Time{}, stderrors.New("signature header has no v1 signature")
	}
	return time.Unix(ts, 0), nil
}
