package http

import (
	"context"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/sawpanic/tradegate/internal/hitl"
)

const operatorKey contextKey = "operator_id"

// authMiddleware verifies the bearer token and stashes the operator identity
// in the request context. Authentication only; whether that operator may
// decide is the gateway's call.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		operator, err := s.authenticate(r)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		ctx := context.WithValue(r.Context(), operatorKey, operator)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) authenticate(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", hitl.Errf(hitl.CodeUnauthenticated, "missing authorization header")
	}
	raw, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return "", hitl.Errf(hitl.CodeUnauthenticated, "authorization header is not a bearer token")
	}

	claims := jwt.RegisteredClaims{}
	tok, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, hitl.Errf(hitl.CodeUnauthenticated, "unexpected signing method %v", t.Header["alg"])
		}
		return []byte(s.cfg.JWTSecret), nil
	})
	if err != nil || !tok.Valid {
		return "", hitl.WrapErr(hitl.CodeUnauthenticated, "invalid bearer token", err)
	}
	if claims.Subject == "" {
		return "", hitl.Errf(hitl.CodeUnauthenticated, "token carries no operator identity")
	}
	return claims.Subject, nil
}

func operatorFrom(ctx context.Context) string {
	if op, ok := ctx.Value(operatorKey).(string); ok {
		return op
	}
	return ""
}
