package core

import (
	"crypto/subtle"
	"net/http"

	"marketsync/internal/types"
)

const (
	adminKeyHeader = "X-Admin-Key"
	// operatorHeader optionally names the human or system behind an admin
	// call. It is only used for log correlation.
	operatorHeader = "X-Operator"
)

// AdminKeyAuth rejects requests whose X-Admin-Key does not match the
// configured admin key. The comparison is constant-time.
//
//   - auth_admin_key_missing (401): header absent or empty.
//   - auth_admin_key_invalid (401): header present but wrong.
func (s *Server) AdminKeyAuth(next http.Handler) http.Handler {
	expected := []byte(s.Config.Server.AdminAPIKey.Unmask())

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		presented := r.Header.Get(adminKeyHeader)
		if presented == "" {
			Error(w, r, types.NewAppError(types.ErrCodeAuthAdminKeyMissing, "X-Admin-Key header is required", nil))
			return
		}

		if subtle.ConstantTimeCompare([]byte(presented), expected) != 1 {
			s.Logger.WarnContext(r.Context(), "admin key rejected",
				"path", r.URL.Path,
				"remote_addr", r.RemoteAddr,
			)
			Error(w, r, types.NewAppError(types.ErrCodeAuthAdminKeyInvalid, "invalid admin key", nil))
			return
		}

		operator := r.Header.Get(operatorHeader)
		if operator == "" {
			operator = "admin"
		}
		ctx := types.WithOperator(r.Context(), operator)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
