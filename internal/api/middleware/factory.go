package middleware

import (
	"context"
	"net/http"
	"strings"
)

type contextKey string

const (
	// FactoryKey is the context key for the calling factory.
	FactoryKey contextKey = "factory_id"
	// CallerKey is the context key for the calling user.
	CallerKey contextKey = "caller"
)

// Caller is the user a request acts for.
type Caller struct {
	UserID string
	Roles  []string
}

// FactoryExtractor extracts the factory and caller from the request.
// The factory comes from the X-Factory-Id header, then the factory query
// parameter; the caller from X-User-Id and the comma separated X-User-Roles.
func FactoryExtractor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		factory := strings.TrimSpace(r.Header.Get("X-Factory-Id"))
		if factory == "" {
			factory = strings.TrimSpace(r.URL.Query().Get("factory"))
		}

		caller := Caller{UserID: strings.TrimSpace(r.Header.Get("X-User-Id"))}
		for _, role := range strings.Split(r.Header.Get("X-User-Roles"), ",") {
			if role = strings.TrimSpace(role); role != "" {
				caller.Roles = append(caller.Roles, role)
			}
		}

		ctx := context.WithValue(r.Context(), FactoryKey, factory)
		ctx = context.WithValue(ctx, CallerKey, caller)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetFactory retrieves the factory id from the request context. Empty means
// the request did not name one.
func GetFactory(ctx context.Context) string {
	if v, ok := ctx.Value(FactoryKey).(string); ok {
		return v
	}
	return ""
}

// GetCaller retrieves the calling user from the request context.
func GetCaller(ctx context.Context) Caller {
	if v, ok := ctx.Value(CallerKey).(Caller); ok {
		return v
	}
	return Caller{}
}
