package httpbackend

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/elnormous/contenttype"
	"github.com/ggoodman/showchat-go/failure"
)

var jsonMediaType = contenttype.NewMediaType("application/json")

var jsonMediaTypes = []contenttype.MediaType{jsonMediaType}

const (
	authorizationHeader = "Authorization"
	requestIDHeader     = "X-Request-Id"
	bearerPrefix        = "Bearer "
)

// errorBody is the JSON shape of every non-2xx response:
// {"error":{"code":<httpStatus>,"kind":"<failure kind>","message":"<reason>"}}
type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    int    `json:"code"`
	Kind    string `json:"kind,omitempty"`
	Message string `json:"message"`
}

// statusForKind is the server side of the status mapping.
func statusForKind(k failure.Kind) int {
	switch k {
	case failure.KindInvalidInput:
		return http.StatusBadRequest
	case failure.KindInvalidCredential:
		return http.StatusUnauthorized
	case failure.KindNotReady:
		return http.StatusPreconditionFailed
	case failure.KindTransport:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// kindForStatus is the client side of the status mapping, used when the
// response body carries no kind.
func kindForStatus(status int) failure.Kind {
	switch {
	case status == http.StatusBadRequest, status == http.StatusNotFound, status == http.StatusUnprocessableEntity:
		return failure.KindInvalidInput
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return failure.KindInvalidCredential
	case status == http.StatusPreconditionFailed:
		return failure.KindNotReady
	case status >= 500:
		return failure.KindTransport
	default:
		return failure.KindUnknown
	}
}

func knownKind(s string) (failure.Kind, bool) {
	switch k := failure.Kind(s); k {
	case failure.KindNotReady, failure.KindInvalidInput, failure.KindInvalidCredential, failure.KindTransport, failure.KindUnknown:
		return k, true
	}
	return "", false
}

// writeJSONError emits the error body for err with the status its kind maps to.
func writeJSONError(w http.ResponseWriter, err error) {
	kind := failure.KindOf(err)
	msg := err.Error()
	var fe *failure.Error
	if errors.As(err, &fe) && fe.Msg != "" {
		msg = fe.Msg
	}
	writeJSONStatus(w, statusForKind(kind), kind, msg)
}

func writeJSONStatus(w http.ResponseWriter, status int, kind failure.Kind, msg string) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorBody{Error: errorDetail{Code: status, Kind: string(kind), Message: msg}})
}
