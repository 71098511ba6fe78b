package api

import (
	"net/http"
	"testing"

	"goldrock/internal/config"

	"github.com/stretchr/testify/assert"
)

func authConfig() config.APIConfig {
	return config.APIConfig{
		Enabled: true,
		Auth: config.APIAuthConfig{
			Enabled: true,
			APIKeys: []config.APIClientKey{
				{Key: "shell-key", Name: "ui-shell"},
				{Key: "reader-key", Name: "dashboard", Permissions: []string{PermReadQueue, PermReadConnectivity}},
			},
		},
	}
}

func TestAuthRejectsMissingAndInvalidKeys(t *testing.T) {
	ts := newTestServer(t, authConfig(), &fakeCoordinator{}, nil)

	resp, body := doRequest(t, http.MethodGet, ts.URL+"/api/v1/queue", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Contains(t, body, "missing api key")

	resp, body = doRequest(t, http.MethodGet, ts.URL+"/api/v1/queue", "", map[string]string{"x-api-key": "nope"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Contains(t, body, "invalid api key")

	resp, _ = doRequest(t, http.MethodGet, ts.URL+"/api/v1/queue", "", map[string]string{"x-api-key": "shell-key"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAuthPermissions(t *testing.T) {
	ts := newTestServer(t, authConfig(), &fakeCoordinator{}, nil)
	reader := map[string]string{"x-api-key": "reader-key"}

	resp, _ := doRequest(t, http.MethodGet, ts.URL+"/api/v1/queue", "", reader)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = doRequest(t, http.MethodDelete, ts.URL+"/api/v1/queue", "", reader)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, _ = doRequest(t, http.MethodPost, ts.URL+"/api/v1/actions", `{"kind":"send_message","payload":{}}`, reader)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestAuthCustomHeader(t *testing.T) {
	cfg := authConfig()
	cfg.Auth.HeaderAPIKey = "X-Shell-Token"
	ts := newTestServer(t, cfg, &fakeCoordinator{}, nil)

	resp, _ := doRequest(t, http.MethodGet, ts.URL+"/api/v1/connectivity", "", map[string]string{"X-Shell-Token": "shell-key"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRateLimitPerKey(t *testing.T) {
	cfg := authConfig()
	cfg.RateLimit = config.APIRateLimitConfig{RPS: 0.001, Burst: 2}
	ts := newTestServer(t, cfg, &fakeCoordinator{}, nil)
	shell := map[string]string{"x-api-key": "shell-key"}

	for i := 0; i < 2; i++ {
		resp, _ := doRequest(t, http.MethodGet, ts.URL+"/api/v1/queue", "", shell)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	}
	resp, _ := doRequest(t, http.MethodGet, ts.URL+"/api/v1/queue", "", shell)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)

	// other clients have their own bucket
	resp, _ = doRequest(t, http.MethodGet, ts.URL+"/api/v1/queue", "", map[string]string{"x-api-key": "reader-key"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRequiredPermission(t *testing.T) {
	tests := []struct {
		method, path, want string
	}{
		{http.MethodPost, "/api/v1/actions", PermWriteActions},
		{http.MethodGet, "/api/v1/queue", PermReadQueue},
		{http.MethodDelete, "/api/v1/queue", PermWriteQueue},
		{http.MethodPost, "/api/v1/queue/drain", PermWriteQueue},
		{http.MethodGet, "/api/v1/connectivity", PermReadConnectivity},
		{http.MethodPost, "/api/v1/connectivity", PermWriteConnectivity},
		{http.MethodGet, "/api/v1/resources/api/bills", PermReadResources},
		{http.MethodDelete, "/api/v1/resources", PermWriteResources},
		{http.MethodGet, "/other", ""},
	}
	for _, tt := range tests {
		req, _ := http.NewRequest(tt.method, "http://localhost"+tt.path, nil)
		assert.Equal(t, tt.want, requiredPermission(req), "%s %s", tt.method, tt.path)
	}
}
