package api

import (
	"crypto/subtle"
	"errors"
	"net"
	"net/http"
	"strings"

	"goldrock/internal/config"
)

const apiKeyHeaderDefault = "x-api-key"

const (
	PermWriteActions      = "write:actions"
	PermReadQueue         = "read:queue"
	PermWriteQueue        = "write:queue"
	PermReadConnectivity  = "read:connectivity"
	PermWriteConnectivity = "write:connectivity"
	PermReadResources     = "read:resources"
	PermWriteResources    = "write:resources"
)

var (
	errMissingAPIKey    = errors.New("missing api key header")
	errInvalidAPIKey    = errors.New("invalid api key")
	errPermissionDenied = errors.New("permission denied")
	errRateLimited      = errors.New("rate limit exceeded")
)

// HTTPAuth provides API-key auth and per-key rate limiting for the local API.
type HTTPAuth struct {
	cfg     config.APIConfig
	header  string
	clients map[string]config.APIClientKey
	limiter *rateLimiter
}

func NewHTTPAuth(cfg config.APIConfig) *HTTPAuth {
	m := make(map[string]config.APIClientKey, len(cfg.Auth.APIKeys))
	for _, k := range cfg.Auth.APIKeys {
		m[k.Key] = k
	}
	header := strings.TrimSpace(strings.ToLower(cfg.Auth.HeaderAPIKey))
	if header == "" {
		header = apiKeyHeaderDefault
	}
	return &HTTPAuth{
		cfg:     cfg,
		header:  header,
		clients: m,
		limiter: newRateLimiter(cfg.RateLimit),
	}
}

// Wrap enforces auth and rate limits on everything except /healthz.
func (a *HTTPAuth) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" {
			next.ServeHTTP(w, r)
			return
		}

		if a.cfg.Auth.Enabled {
			if err := a.checkAuth(r); err != nil {
				status := http.StatusUnauthorized
				if errors.Is(err, errPermissionDenied) {
					status = http.StatusForbidden
				}
				writeError(w, status, err.Error())
				return
			}
		}

		if !a.limiter.allow(a.clientKey(r)) {
			writeError(w, http.StatusTooManyRequests, errRateLimited.Error())
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (a *HTTPAuth) checkAuth(r *http.Request) error {
	apiKey := strings.TrimSpace(r.Header.Get(a.header))
	if apiKey == "" {
		return errMissingAPIKey
	}

	client, ok := a.lookup(apiKey)
	if !ok {
		return errInvalidAPIKey
	}
	return checkPermissions(client, requiredPermission(r))
}

// lookup compares in constant time so the key cannot be guessed byte by byte.
func (a *HTTPAuth) lookup(apiKey string) (config.APIClientKey, bool) {
	var found config.APIClientKey
	ok := false
	for key, client := range a.clients {
		if subtle.ConstantTimeCompare([]byte(key), []byte(apiKey)) == 1 {
			found, ok = client, true
		}
	}
	return found, ok
}

func checkPermissions(client config.APIClientKey, required string) error {
	if required == "" || len(client.Permissions) == 0 {
		return nil
	}
	for _, p := range client.Permissions {
		p = strings.TrimSpace(p)
		if p == required || p == "*" {
			return nil
		}
	}
	return errPermissionDenied
}

func requiredPermission(r *http.Request) string {
	path := r.URL.Path
	read := r.Method == http.MethodGet || r.Method == http.MethodHead

	switch {
	case path == "/api/v1/actions":
		return PermWriteActions
	case path == "/api/v1/queue":
		if read {
			return PermReadQueue
		}
		return PermWriteQueue
	case path == "/api/v1/queue/drain":
		return PermWriteQueue
	case path == "/api/v1/connectivity":
		if read {
			return PermReadConnectivity
		}
		return PermWriteConnectivity
	case strings.HasPrefix(path, "/api/v1/resources"):
		if read {
			return PermReadResources
		}
		return PermWriteResources
	}
	return ""
}

func (a *HTTPAuth) clientKey(r *http.Request) string {
	if apiKey := strings.TrimSpace(r.Header.Get(a.header)); apiKey != "" {
		return apiKey
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil && host != "" {
		return host
	}
	return "unknown"
}
