package middleware

import (
	"crypto/subtle"
	stderrors "errors"
	"mime"
	"net/http"

	"github.com/lumen-commerce/commerce_layer/internal/domain/identity"
	"github.com/lumen-commerce/commerce_layer/internal/errors"
)

const (
	// CSRFHeader carries the double-submit token.
	CSRFHeader = "X-CSRF-Token"
	// CSRFFormField is accepted for classic form posts.
	CSRFFormField = "_csrf"

	// DefaultCSRFFormBytes caps form parsing on routes without a body cap.
	DefaultCSRFFormBytes = 64 << 10
)

// CSRFCookieName returns the surface-scoped CSRF cookie name.
func CSRFCookieName(surface identity.Surface) string {
	return string(surface) + "_csrf"
}

// IsStateChanging reports whether method mutates state.
func IsStateChanging(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	default:
		return false
	}
}

// CheckCSRF validates the double-submit token for a state-changing request.
// A missing cookie or missing presented token is CSRF_REQUIRED; a mismatch is
// CSRF_INVALID.
func CheckCSRF(r *http.Request, surface identity.Surface) error {
	return CheckCSRFLimit(r, surface, DefaultCSRFFormBytes)
}

// CheckCSRFLimit is CheckCSRF with the form body capped at maxForm bytes. A
// form over the cap is PAYLOAD_TOO_LARGE.
func CheckCSRFLimit(r *http.Request, surface identity.Surface, maxForm int64) error {
	if !IsStateChanging(r.Method) {
		return nil
	}

	cookie, err := r.Cookie(CSRFCookieName(surface))
	if err != nil || cookie.Value == "" {
		return errors.CSRFRequired()
	}

	presented := r.Header.Get(CSRFHeader)
	if presented == "" {
		if presented, err = formToken(r, maxForm); err != nil {
			return err
		}
	}
	if presented == "" {
		return errors.CSRFRequired()
	}

	if subtle.ConstantTimeCompare([]byte(cookie.Value), []byte(presented)) != 1 {
		return errors.CSRFInvalid()
	}
	return nil
}

func formToken(r *http.Request, maxForm int64) (string, error) {
	ct, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || (ct != "application/x-www-form-urlencoded" && ct != "multipart/form-data") {
		return "", nil
	}
	if maxForm <= 0 {
		maxForm = DefaultCSRFFormBytes
	}
	if r.ContentLength > maxForm {
		return "", errors.PayloadTooLarge(maxForm)
	}
	if r.Body != nil {
		r.Body = http.MaxBytesReader(nil, r.Body, maxForm)
	}

	if ct == "multipart/form-data" {
		err = r.ParseMultipartForm(maxForm)
	} else {
		err = r.ParseForm()
	}
	if err != nil {
		var tooLarge *http.MaxBytesError
		if stderrors.As(err, &tooLarge) {
			return "", errors.PayloadTooLarge(maxForm)
		}
		return "", nil
	}
	return r.PostForm.Get(CSRFFormField), nil
}
