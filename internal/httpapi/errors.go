package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/matheus3301/integrations/internal/outbox"
	"github.com/matheus3301/integrations/internal/resolver"
	"github.com/matheus3301/integrations/internal/store"
	"go.uber.org/zap"
)

var errBadRequest = errors.New("bad request")

func badRequest(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errBadRequest, fmt.Sprintf(format, args...))
}

// handle adapts an error-returning handler, mapping errors to status codes.
func (s *Server) handle(fn func(w http.ResponseWriter, r *http.Request) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		err := fn(w, r)
		if err == nil {
			return
		}
		code := statusOf(err)
		if code >= http.StatusInternalServerError {
			s.Logger.Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
		}
		http.Error(w, err.Error(), code)
	}
}

func statusOf(err error) int {
	var verrs validator.ValidationErrors
	switch {
	case errors.As(err, &verrs), errors.Is(err, errBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, resolver.ErrIntegrationNotFound),
		errors.Is(err, resolver.ErrAccountNotFound),
		errors.Is(err, outbox.ErrConversationNotFound),
		errors.Is(err, outbox.ErrCustomerNotFound),
		errors.Is(err, outbox.ErrUnsupportedChannel):
		return http.StatusNotFound
	case errors.Is(err, outbox.ErrInFlight), errors.Is(err, store.ErrDuplicate):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// decode reads a JSON body into dst and validates it.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, s.MaxBody)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return badRequest("invalid body: %v", err)
	}
	return s.validate.Struct(dst)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
