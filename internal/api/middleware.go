package api

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/powerblockade/powerblockade/internal/model"
	"github.com/powerblockade/powerblockade/internal/store"
)

// NodeKeyHeader carries the node bearer token on every node-sync call.
const NodeKeyHeader = "X-PowerBlockade-Node-Key"

type contextKey int

const nodeContextKey contextKey = iota

// AuthMiddleware validates the admin Bearer token in the Authorization
// header. Comparison is constant-time.
func AuthMiddleware(adminToken string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		if auth == "" {
			WriteError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing Authorization header")
			return
		}

		const prefix = "Bearer "
		if !strings.HasPrefix(auth, prefix) {
			WriteError(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid Authorization header format")
			return
		}

		token := auth[len(prefix):]
		if subtle.ConstantTimeCompare([]byte(token), []byte(adminToken)) != 1 {
			WriteError(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid admin token")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// NodeAuthMiddleware resolves the calling node from its key header. Every
// known key is compared in constant time; the scan never exits early, so
// timing does not reveal which key prefix matched.
func NodeAuthMiddleware(s *store.Store, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get(NodeKeyHeader)
		if key == "" {
			WriteError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing node key")
			return
		}
		nodes, err := s.ListNodes()
		if err != nil {
			writeInternal(w, err)
			return
		}
		var matched *model.Node
		for _, n := range nodes {
			if subtle.ConstantTimeCompare([]byte(key), []byte(n.APIKey)) == 1 && matched == nil {
				matched = n
			}
		}
		if matched == nil {
			WriteError(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid node key")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), nodeContextKey, matched)))
	})
}

// callingNode returns the node the middleware authenticated.
func callingNode(r *http.Request) *model.Node {
	n, _ := r.Context().Value(nodeContextKey).(*model.Node)
	return n
}

// RequestBodyLimitMiddleware enforces a max request body size for downstream handlers.
func RequestBodyLimitMiddleware(maxBytes int64, next http.Handler) http.Handler {
	if maxBytes <= 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r != nil && r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
		}
		next.ServeHTTP(w, r)
	})
}
