package middleware

import (
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/rhyanalmeida/theacewebcrm-sub005/logging"
	"github.com/rhyanalmeida/theacewebcrm-sub005/utils"
)

// JWTMiddleware 驗證 JWT Token 並將使用者身分放入 context。
// 瀏覽器的 WebSocket 無法帶 header，因此也接受 ?token= 查詢參數。
func JWTMiddleware(jwtSecret string) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenString, ok := bearerToken(r)
			if !ok {
				utils.SendJSONError(w, "Authorization header required", http.StatusUnauthorized)
				return
			}

			identity, err := utils.GetIdentityFromToken(tokenString, jwtSecret)
			if err != nil {
				l := logging.Ctx(r.Context())
				l.Debug().Err(err).Msg("invalid JWT token")
				utils.SendJSONError(w, "Invalid or expired token", http.StatusUnauthorized)
				return
			}

			ctx := utils.WithIdentity(r.Context(), identity)
			l := logging.Ctx(ctx).With().Str(logging.FieldUserID, identity).Logger()
			next.ServeHTTP(w, r.WithContext(logging.WithLogger(ctx, l)))
		})
	}
}

// Authorization: Bearer <token>
func bearerToken(r *http.Request) (string, bool) {
	if authHeader := r.Header.Get("Authorization"); authHeader != "" {
		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" || parts[1] == "" {
			return "", false
		}
		return parts[1], true
	}
	if token := r.URL.Query().Get("token"); token != "" {
		return token, true
	}
	return "", false
}
