package webserver

import (
	"context"
	"net/http"

	"github.com/zsprackett/setupwatch/internal/security"
)

// contextKey is used to store the authenticated subject in request context.
type contextKey string

const subjectKey contextKey = "subject"

// Subject returns the identity established by the access gate, if any.
func Subject(ctx context.Context) string {
	s, _ := ctx.Value(subjectKey).(string)
	return s
}

// requireAccess validates the edge identity assertion on viewer routes.
// With no verifier configured every request passes.
func (s *Server) requireAccess(next http.Handler) http.Handler {
	if s.deps.Access == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenStr, err := security.TokenFromRequest(r)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		claims, err := s.deps.Access.Verify(tokenStr)
		if err != nil {
			s.logger.Info("webserver: access assertion rejected", "path", r.URL.Path, "err", err)
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		ctx := context.WithValue(r.Context(), subjectKey, claims.Subject)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
