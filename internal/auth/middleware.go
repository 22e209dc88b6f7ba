package auth

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strings"
)

type Mode string

const (
	ModeAnonymous Mode = "anonymous"
	ModeLocalhost Mode = "localhost"
	ModeAPIKey    Mode = "api_key"
	ModeToken     Mode = "token"
)

// Info describes the transport-level principal. Agent identity is carried in
// tool arguments and checked by the registry, not here.
type Info struct {
	Mode      Mode
	Subject   string
	Admin     bool
	Localhost bool
}

type contextKey struct{}

func FromContext(ctx context.Context) (Info, bool) {
	v, ok := ctx.Value(contextKey{}).(Info)
	return v, ok
}

func WithInfo(ctx context.Context, info Info) context.Context {
	return context.WithValue(ctx, contextKey{}, info)
}

// Middleware resolves the caller's principal. Requests without a bearer
// credential continue as anonymous; a bearer that matches neither an admin
// key nor a valid admin token is rejected.
func Middleware(ring *Keyring) func(http.Handler) http.Handler {
	if ring == nil {
		ring = defaultKeyring()
	}
	verifier := NewTokenVerifier(ring.TokenSecret())
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			local := isLocalRequest(r)
			bearer, present := bearerToken(r)
			if !present {
				info := Info{Mode: ModeAnonymous, Localhost: local}
				if local && ring.AllowLocalhostWithoutAuth {
					info.Mode = ModeLocalhost
					info.Admin = true
				}
				next.ServeHTTP(w, r.WithContext(WithInfo(r.Context(), info)))
				return
			}
			info, ok := authorize(bearer, ring, verifier)
			if !ok {
				writeUnauthorized(w)
				return
			}
			info.Localhost = local
			next.ServeHTTP(w, r.WithContext(WithInfo(r.Context(), info)))
		})
	}
}

func authorize(bearer string, ring *Keyring, verifier *TokenVerifier) (Info, bool) {
	if ring.IsAdminKey(bearer) {
		return Info{Mode: ModeAPIKey, Subject: "admin", Admin: true}, true
	}
	if sub, err := verifier.Verify(bearer); err == nil {
		return Info{Mode: ModeToken, Subject: sub, Admin: true}, true
	}
	return Info{}, false
}

func bearerToken(r *http.Request) (string, bool) {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if header == "" {
		return "", false
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", true
	}
	return strings.TrimSpace(parts[1]), true
}

func writeUnauthorized(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]string{"kind": "auth", "message": "invalid bearer credential"},
	})
}

func isLocalRequest(r *http.Request) bool {
	if ip := forwardedFor(r.Header.Get("X-Forwarded-For")); ip != "" {
		if parsed := net.ParseIP(ip); parsed != nil {
			return parsed.IsLoopback()
		}
		if strings.EqualFold(ip, "localhost") {
			return true
		}
	}
	host := r.RemoteAddr
	if h, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		host = h
	}
	host = strings.TrimSpace(host)
	if strings.EqualFold(host, "localhost") {
		return true
	}
	parsed := net.ParseIP(host)
	return parsed != nil && parsed.IsLoopback()
}

func forwardedFor(v string) string {
	if v == "" {
		return ""
	}
	parts := strings.Split(v, ",")
	return strings.TrimSpace(parts[0])
}
