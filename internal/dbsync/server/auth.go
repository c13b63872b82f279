package server

import (
	"net/http"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/log"
)

// adminAuth guards the snapshot-sized endpoints with an HS256 bearer token.
// With an empty secret the guard is disabled.
func adminAuth(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if secret == "" {
				next.ServeHTTP(w, r)
				return
			}
			tok := ""
			if h := r.Header.Get("Authorization"); len(h) > 7 && h[:7] == "Bearer " {
				tok = h[7:]
			}
			if tok == "" {
				writeError(w, http.StatusUnauthorized, "auth_failed", "missing bearer token")
				return
			}
			claims := jwt.MapClaims{}
			t, err := jwt.ParseWithClaims(tok, claims, func(t *jwt.Token) (any, error) {
				if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, jwt.ErrSignatureInvalid
				}
				return []byte(secret), nil
			})
			if err != nil || !t.Valid {
				log.Warn().Err(err).Msg("admin token validation failed")
				writeError(w, http.StatusUnauthorized, "auth_failed", "invalid token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// AdminToken mints a bearer token for the guarded endpoints.
func AdminToken(secret string) (string, error) {
	t := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "dbsync-admin"})
	return t.SignedString([]byte(secret))
}
