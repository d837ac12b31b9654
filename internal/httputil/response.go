package httputil

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	svcerrors "github.com/lumen-commerce/commerce_layer/internal/errors"
)

// RequestIDHeader carries the trace id in both directions.
const RequestIDHeader = "X-Request-ID"

// ErrorBody is the error member of the failure envelope.
type ErrorBody struct {
	Code    svcerrors.ErrorCode    `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// ErrorEnvelope is the canonical failure response.
type ErrorEnvelope struct {
	OK        bool      `json:"ok"`
	RequestID string    `json:"request_id"`
	Error     ErrorBody `json:"error"`
}

// NewErrorEnvelope maps err to a status and envelope. Untyped errors and the
// causes of typed errors never reach the body.
func NewErrorEnvelope(err error, requestID string) (int, ErrorEnvelope) {
	se := AsServiceError(err)
	body := ErrorBody{Code: se.Code, Message: se.Message}
	if se.Code.Kind() != svcerrors.KindInternal && len(se.Details) > 0 {
		body.Details = se.Details
	}
	if se.Code == svcerrors.CodeInternal {
		body.Message = "Internal server error"
	}
	status := se.HTTPStatus
	if status == 0 {
		status = se.Code.Status()
	}
	return status, ErrorEnvelope{OK: false, RequestID: requestID, Error: body}
}

// AsServiceError returns the typed form of err. Body size violations become
// PAYLOAD_TOO_LARGE; anything unrecognised becomes INTERNAL_ERROR.
func AsServiceError(err error) *svcerrors.ServiceError {
	if se := svcerrors.GetServiceError(err); se != nil {
		return se
	}
	var mbe *http.MaxBytesError
	if errors.As(err, &mbe) {
		return svcerrors.PayloadTooLarge(mbe.Limit)
	}
	if errors.Is(err, ErrBodyTooLarge) {
		return svcerrors.New(svcerrors.CodePayloadTooLarge, "Request body too large")
	}
	return svcerrors.Internal("", err)
}

// WriteErrorResponse writes the failure envelope for err and returns the status.
func WriteErrorResponse(w http.ResponseWriter, requestID string, err error) int {
	status, env := NewErrorEnvelope(err, requestID)
	WriteJSON(w, status, env)
	return status
}

// WriteJSON writes v as a JSON response.
func WriteJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(v)
}

// WriteSuccess writes {ok:true, ...payload}.
func WriteSuccess(w http.ResponseWriter, status int, payload map[string]interface{}) {
	body := make(map[string]interface{}, len(payload)+1)
	for k, v := range payload {
		body[k] = v
	}
	body["ok"] = true
	WriteJSON(w, status, body)
}

// DecodeJSON decodes the request body into dst. An empty body, malformed JSON
// and unknown fields are validation failures; a body over the route cap is
// PAYLOAD_TOO_LARGE.
func DecodeJSON(r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var mbe *http.MaxBytesError
		switch {
		case errors.As(err, &mbe):
			return svcerrors.PayloadTooLarge(mbe.Limit)
		case errors.Is(err, io.EOF):
			return svcerrors.Validation("Request body required")
		default:
			return svcerrors.Validation("Malformed JSON body")
		}
	}
	return nil
}
