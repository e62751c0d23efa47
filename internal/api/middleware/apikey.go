package middleware

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
)

// ClientKey is the context key holding the name of the authenticated client.
const ClientKey contextKey = "client"

// clientSlotKey holds a *string that Logger reads after the request, so the
// client authenticated further down the chain shows up in the access log.
const clientSlotKey contextKey = "client_slot"

// APIKeyAuth authenticates callers of the assistant API, such as the chat
// gateway or the admin console, by shared key.
//
// Keys are configured as "name=key" or a bare "key"; the name is logged with
// each request so operators can tell the callers apart. Only SHA-256 digests
// of the keys are kept in memory. A request presents its key as
// "Authorization: Bearer <key>" or "X-API-Key: <key>".
//
// /health, /version and /metrics are always public. With no keys configured
// authentication is disabled.
type APIKeyAuth struct {
	mu      sync.RWMutex
	clients map[[sha256.Size]byte]string
}

// NewAPIKeyAuth creates the middleware from configured entries. Blank
// entries are ignored.
func NewAPIKeyAuth(entries []string) *APIKeyAuth {
	a := &APIKeyAuth{clients: make(map[[sha256.Size]byte]string)}
	for i, entry := range entries {
		name, key := parseKeyEntry(entry, i)
		if key != "" {
			a.clients[sha256.Sum256([]byte(key))] = name
		}
	}
	return a
}

func parseKeyEntry(entry string, i int) (name, key string) {
	entry = strings.TrimSpace(entry)
	if n, k, ok := strings.Cut(entry, "="); ok && strings.TrimSpace(n) != "" {
		return strings.TrimSpace(n), strings.TrimSpace(k)
	}
	return fmt.Sprintf("client-%d", i+1), entry
}

// Enabled reports whether at least one key is configured.
func (a *APIKeyAuth) Enabled() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.clients) > 0
}

// AddKey accepts key from now on under an anonymous client name.
func (a *APIKeyAuth) AddKey(key string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.clients[sha256.Sum256([]byte(key))] = fmt.Sprintf("client-%d", len(a.clients)+1)
}

// RemoveKey revokes key. Removing the last key disables authentication.
func (a *APIKeyAuth) RemoveKey(key string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.clients, sha256.Sum256([]byte(key)))
}

// Middleware rejects requests without a valid key and records the client
// name in the request context.
func (a *APIKeyAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.Enabled() || isPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		key := extractAPIKey(r)
		if key == "" {
			respondUnauthorized(w, "API key required. Set Authorization: Bearer <key> or X-API-Key header.")
			return
		}
		client, ok := a.lookup(key)
		if !ok {
			respondUnauthorized(w, "Invalid API key.")
			return
		}

		if slot, ok := r.Context().Value(clientSlotKey).(*string); ok {
			*slot = client
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ClientKey, client)))
	})
}

func (a *APIKeyAuth) lookup(key string) (string, bool) {
	digest := sha256.Sum256([]byte(key))
	a.mu.RLock()
	defer a.mu.RUnlock()
	name, ok := a.clients[digest]
	return name, ok
}

// GetClient returns the authenticated client name, or "" when auth is off.
func GetClient(ctx context.Context) string {
	name, _ := ctx.Value(ClientKey).(string)
	return name
}

func extractAPIKey(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	return strings.TrimSpace(r.Header.Get("X-API-Key"))
}

func isPublicPath(path string) bool {
	switch path {
	case "/health", "/version", "/metrics":
		return true
	}
	return false
}

func respondUnauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="traceforge-assistant"`)
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":   "unauthorized",
		"message": msg,
	})
}
