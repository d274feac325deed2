package httpx

import (
	"encoding/json"
	"errors"
	"github.com/ariefcatur/go-food-orders/internal/orders"
	"go.uber.org/zap"
	"net/http"
)

// envelope is the body of every non-list API response.
type envelope struct {
	Success   bool   `json:"success"`
	Data      any    `json:"data,omitempty"`
	Message   string `json:"message,omitempty"`
	Error     string `json:"error,omitempty"`
	RequestID string `json:"requestId,omitempty"`
}

// listEnvelope always carries data, so an empty page is [] rather than a
// missing key.
type listEnvelope struct {
	Success     bool `json:"success"`
	Data        any  `json:"data"`
	Count       int  `json:"count"`
	Total       *int `json:"total,omitempty"`
	TotalPages  *int `json:"totalPages,omitempty"`
	CurrentPage *int `json:"currentPage,omitempty"`
}

const internalErrorCode = "internal_error"

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeData(w http.ResponseWriter, code int, data any) {
	writeJSON(w, code, envelope{Success: true, Data: data})
}

func writeMessage(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, envelope{Success: code < 400, Message: msg})
}

func writePage(w http.ResponseWriter, p orders.Page) {
	list := p.Orders
	if list == nil {
		list = []orders.Order{}
	}
	writeJSON(w, http.StatusOK, listEnvelope{
		Success:     true,
		Data:        list,
		Count:       len(list),
		Total:       &p.Total,
		TotalPages:  &p.TotalPages,
		CurrentPage: &p.CurrentPage,
	})
}

func writeList[T any](w http.ResponseWriter, list []T) {
	if list == nil {
		list = []T{}
	}
	writeJSON(w, http.StatusOK, listEnvelope{Success: true, Data: list, Count: len(list)})
}

// writeError maps domain error kinds to status codes. Anything else is a
// 500: the cause is logged with the request id and only a fixed code goes
// to the client.
func writeError(w http.ResponseWriter, r *http.Request, log *zap.Logger, err error) {
	var de *orders.Error
	if errors.As(err, &de) {
		writeMessage(w, statusFor(de.Kind), de.Message)
		return
	}
	if log == nil {
		log = zap.NewNop()
	}
	log.Error("request failed",
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path),
		zap.String("request_id", requestID(r)),
		zap.Error(err))
	writeJSON(w, http.StatusInternalServerError, envelope{
		Success:   false,
		Message:   "Server error",
		Error:     internalErrorCode,
		RequestID: requestID(r),
	})
}

func statusFor(kind error) int {
	switch {
	case errors.Is(kind, orders.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(kind, orders.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(kind, orders.ErrInvalidInput),
		errors.Is(kind, orders.ErrInsufficientStock),
		errors.Is(kind, orders.ErrInvalidState):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
