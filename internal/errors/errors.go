// Package errors provides the canonical error taxonomy for the commerce layer.
//
// Every failure that reaches a caller is a *ServiceError carrying a code from
// the closed ErrorCode set. Transport code branches on the code (or its Kind),
// never on message text.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// ErrorCode is a stable, caller-visible error identifier.
type ErrorCode string

const (
	CodeAuthRequired       ErrorCode = "AUTH_REQUIRED"
	CodeForbidden          ErrorCode = "FORBIDDEN"
	CodeOriginRejected     ErrorCode = "ORIGIN_REJECTED"
	CodeCSRFRequired       ErrorCode = "CSRF_REQUIRED"
	CodeCSRFInvalid        ErrorCode = "CSRF_INVALID"
	CodeRateLimited        ErrorCode = "RATE_LIMITED"
	CodeMethodNotAllowed   ErrorCode = "METHOD_NOT_ALLOWED"
	CodeValidationFailed   ErrorCode = "VALIDATION_FAILED"
	CodeNotFound           ErrorCode = "NOT_FOUND"
	CodePayloadTooLarge    ErrorCode = "PAYLOAD_TOO_LARGE"
	CodeInvalidCredentials ErrorCode = "INVALID_CREDENTIALS"
	CodeSignatureMissing   ErrorCode = "SIGNATURE_MISSING"
	CodeSignatureFormat    ErrorCode = "SIGNATURE_INVALID_FORMAT"
	CodeSignatureInvalid   ErrorCode = "SIGNATURE_INVALID"
	CodeSignatureTimestamp ErrorCode = "SIGNATURE_TIMESTAMP_OUT_OF_RANGE"
	CodeProcessingFailed   ErrorCode = "PROCESSING_FAILED"
	CodeInternal           ErrorCode = "INTERNAL_ERROR"
)

// Kind groups codes by how the system treats them.
type Kind string

const (
	KindPolicy       Kind = "policy"
	KindVerification Kind = "verification"
	KindProcessing   Kind = "processing"
	KindClient       Kind = "client"
	KindInternal     Kind = "internal"
)

type codeInfo struct {
	status int
	kind   Kind
}

var codes = map[ErrorCode]codeInfo{
	CodeAuthRequired:       {http.StatusUnauthorized, KindPolicy},
	CodeForbidden:          {http.StatusForbidden, KindPolicy},
	CodeOriginRejected:     {http.StatusForbidden, KindPolicy},
	CodeCSRFRequired:       {http.StatusForbidden, KindPolicy},
	CodeCSRFInvalid:        {http.StatusForbidden, KindPolicy},
	CodeRateLimited:        {http.StatusTooManyRequests, KindPolicy},
	CodeMethodNotAllowed:   {http.StatusMethodNotAllowed, KindClient},
	CodeValidationFailed:   {http.StatusBadRequest, KindClient},
	CodeNotFound:           {http.StatusNotFound, KindClient},
	CodePayloadTooLarge:    {http.StatusRequestEntityTooLarge, KindClient},
	CodeInvalidCredentials: {http.StatusUnauthorized, KindPolicy},
	CodeSignatureMissing:   {http.StatusBadRequest, KindVerification},
	CodeSignatureFormat:    {http.StatusBadRequest, KindVerification},
	CodeSignatureInvalid:   {http.StatusBadRequest, KindVerification},
	CodeSignatureTimestamp: {http.StatusBadRequest, KindVerification},
	CodeProcessingFailed:   {http.StatusInternalServerError, KindProcessing},
	CodeInternal:           {http.StatusInternalServerError, KindInternal},
}

// Status returns the HTTP status bound to the code.
func (c ErrorCode) Status() int {
	if info, ok := codes[c]; ok {
		return info.status
	}
	return http.StatusInternalServerError
}

// Kind returns the taxonomy group of the code.
func (c ErrorCode) Kind() Kind {
	if info, ok := codes[c]; ok {
		return info.kind
	}
	return KindInternal
}

// Known reports whether c belongs to the closed code set.
func (c ErrorCode) Known() bool {
	_, ok := codes[c]
	return ok
}

// ServiceError is the typed failure carried through the gateway and the
// webhook processor.
type ServiceError struct {
	Code       ErrorCode
	Message    string
	HTTPStatus int
	Details    map[string]interface{}
	Err        error
}

func (e *ServiceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *ServiceError) Unwrap() error {
	return e.Err
}

// WithDetails returns a copy of the error with an extra detail attached.
func (e *ServiceError) WithDetails(key string, value interface{}) *ServiceError {
	out := *e
	out.Details = make(map[string]interface{}, len(e.Details)+1)
	for k, v := range e.Details {
		out.Details[k] = v
	}
	out.Details[key] = value
	return &out
}

// New builds a ServiceError for code.
func New(code ErrorCode, message string) *ServiceError {
	return &ServiceError{
		Code:       code,
		Message:    message,
		HTTPStatus: code.Status(),
	}
}

// Wrap builds a ServiceError for code that keeps err as its cause.
func Wrap(code ErrorCode, message string, err error) *ServiceError {
	se := New(code, message)
	se.Err = err
	return se
}

// GetServiceError extracts a *ServiceError from an error chain.
func GetServiceError(err error) *ServiceError {
	if err == nil {
		return nil
	}
	var se *ServiceError
	if stderrors.As(err, &se) {
		return se
	}
	return nil
}

// Is reports whether err carries the given code.
func Is(err error, code ErrorCode) bool {
	se := GetServiceError(err)
	return se != nil && se.Code == code
}

// CodeOf returns the code carried by err, or CodeInternal for untyped errors.
func CodeOf(err error) ErrorCode {
	if se := GetServiceError(err); se != nil {
		return se.Code
	}
	return CodeInternal
}

// =============================================================================
// Constructors
// =============================================================================

// AuthRequired signals that the route needs an authenticated actor.
func AuthRequired() *ServiceError {
	return New(CodeAuthRequired, "Authentication required")
}

// Forbidden signals an authenticated actor that may not use the route.
func Forbidden(message string) *ServiceError {
	if message == "" {
		message = "Access denied"
	}
	return New(CodeForbidden, message)
}

// OriginRejected signals an Origin header failure with a reason tag.
func OriginRejected(reason string) *ServiceError {
	return New(CodeOriginRejected, "Origin not allowed").WithDetails("reason", reason)
}

// CSRFRequired signals a missing double-submit token.
func CSRFRequired() *ServiceError {
	return New(CodeCSRFRequired, "CSRF token required")
}

// CSRFInvalid signals a double-submit token mismatch.
func CSRFInvalid() *ServiceError {
	return New(CodeCSRFInvalid, "CSRF token invalid")
}

// RateLimited signals an exhausted request budget.
func RateLimited(limit int, window string) *ServiceError {
	return New(CodeRateLimited, "Too many requests").
		WithDetails("limit", limit).
		WithDetails("window", window)
}

// MethodNotAllowed signals a known path hit with the wrong method.
func MethodNotAllowed(method string) *ServiceError {
	return New(CodeMethodNotAllowed, "Method not allowed").WithDetails("method", method)
}

// NotFound signals an unknown route or resource.
func NotFound(resource string) *ServiceError {
	if resource == "" {
		return New(CodeNotFound, "Not found")
	}
	return New(CodeNotFound, resource+" not found")
}

// Validation signals malformed caller input.
func Validation(message string) *ServiceError {
	return New(CodeValidationFailed, message)
}

// InvalidField signals a single invalid field.
func InvalidField(field, reason string) *ServiceError {
	return New(CodeValidationFailed, "Invalid request").
		WithDetails("field", field).
		WithDetails("reason", reason)
}

// PayloadTooLarge signals a body over the route cap.
func PayloadTooLarge(limit int64) *ServiceError {
	return New(CodePayloadTooLarge, "Request body too large").WithDetails("max_bytes", limit)
}

// InvalidCredentials is the single collapsed login failure.
func InvalidCredentials() *ServiceError {
	return New(CodeInvalidCredentials, "Invalid email or password")
}

// Signature builds a verification failure for one of the SIGNATURE_* codes.
func Signature(code ErrorCode, err error) *ServiceError {
	msg := "Invalid webhook signature"
	switch code {
	case CodeSignatureMissing:
		msg = "Webhook signature missing"
	case CodeSignatureFormat:
		msg = "Webhook signature header malformed"
	case CodeSignatureTimestamp:
		msg = "Webhook timestamp outside tolerance"
	}
	return Wrap(code, msg, err)
}

// ProcessingFailed signals a business side-effect failure after a claim.
func ProcessingFailed(err error) *ServiceError {
	return Wrap(CodeProcessingFailed, "Event processing failed", err)
}

// Internal wraps an unexpected failure. The cause is never rendered to callers.
func Internal(message string, err error) *ServiceError {
	if message == "" {
		message = "Internal server error"
	}
	return Wrap(CodeInternal, message, err)
}
