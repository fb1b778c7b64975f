package identity

import (
	"encoding/json"
	"net/http"

	apperrors "github.com/rcourtman/plansync/internal/errors"
	"github.com/rcourtman/plansync/internal/logging"
)

// Middleware authenticates every request and stores the identity in its
// context. Unauthenticated requests get 401.
func Middleware(auth Authenticator, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := auth.Authenticate(r)
		if err != nil {
			logger := logging.FromContext(r.Context())
			logger.Debug().Err(err).Str("path", r.URL.Path).Msg("Authentication failed")
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("WWW-Authenticate", `Bearer realm="plansync"`)
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(map[string]any{
				"error": map[string]any{
					"reason":         apperrors.KindUnauthorized,
					"message":        "sign in required",
					"remote_applied": false,
				},
			})
			return
		}
		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
	})
}
