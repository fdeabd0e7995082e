package middleware

import (
	"context"
	"net/http"
)

type contextKey string

const (
	UserIDKey   contextKey = "user_id"
	UserNameKey contextKey = "user_name"
)

// GetUserID возвращает user_id из контекста (устанавливается AuthContext).
func GetUserID(ctx context.Context) string {
	v, _ := ctx.Value(UserIDKey).(string)
	return v
}

// GetUserName возвращает display name из контекста (может быть пустым).
func GetUserName(ctx context.Context) string {
	v, _ := ctx.Value(UserNameKey).(string)
	return v
}

// AuthContext resolves the current-user identity from the trusted gateway
// headers into the request context. Session issuance itself is out of scope;
// the engine only needs a resolved user id.
func AuthContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := r.Header.Get("X-User-Id")
		if userID == "" {
			http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
			return
		}
		ctx := context.WithValue(r.Context(), UserIDKey, userID)
		if name := r.Header.Get("X-User-Name"); name != "" {
			ctx = context.WithValue(ctx, UserNameKey, name)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
