// Package response renders the API envelope: success payloads under
// "data", failures under "error" with a stable code and the request id.
package response

import (
	"net/http"

	"github.com/go-chi/render"

	"github.com/smartbuket/sb-analytics/internal/pkg/reqctx"
)

type ErrorBody struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Meta      map[string]any `json:"meta,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
}

type envelope struct {
	Data  any        `json:"data,omitempty"`
	Error *ErrorBody `json:"error,omitempty"`
}

func JSON(w http.ResponseWriter, r *http.Request, status int, data any) {
	render.Status(r, status)
	render.JSON(w, r, envelope{Data: data})
}

func Error(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	ErrorMeta(w, r, status, code, message, nil)
}

func ErrorMeta(w http.ResponseWriter, r *http.Request, status int, code, message string, meta map[string]any) {
	render.Status(r, status)
	render.JSON(w, r, envelope{Error: &ErrorBody{
		Code:      code,
		Message:   message,
		Meta:      meta,
		RequestID: reqctx.GetRequestID(r.Context()),
	}})
}
