package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/sawpanic/tradegate/internal/hitl"
)

// errorBody is the uniform error envelope.
type errorBody struct {
	ErrorCode     string    `json:"error_code"`
	Message       string    `json:"message"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error().Err(err).Msg("encode response failed")
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := hitl.ErrCode(err)
	body := errorBody{
		ErrorCode: string(code),
		Message:   err.Error(),
		Timestamp: s.now().UTC(),
	}
	var coded *hitl.CodedError
	if errors.As(err, &coded) && coded.CorrelationID != "" {
		body.CorrelationID = coded.CorrelationID
	}
	if body.CorrelationID == "" {
		body.CorrelationID = requestIDFrom(r.Context())
	}

	s.writeJSON(w, statusFor(code), body)
}

// statusFor maps the error taxonomy onto HTTP statuses. Every gate conflict
// (Guardian, state, slippage, expiry, integrity) is a 409: the request was
// well-formed but the record's state forbids it.
func statusFor(code hitl.Code) int {
	switch code {
	case hitl.CodeUnauthenticated:
		return http.StatusUnauthorized
	case hitl.CodeUnauthorized:
		return http.StatusForbidden
	case hitl.CodeInvalidRequest:
		return http.StatusBadRequest
	case hitl.CodeGuardianLocked, hitl.CodeInvalidState, hitl.CodeSlippage,
		hitl.CodeExpired, hitl.CodeHashMismatch:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
