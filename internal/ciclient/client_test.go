package ciclient

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/northstack/rollout/internal/config"
	"github.com/northstack/rollout/internal/domain"
	"github.com/northstack/rollout/pkg/logger"
)

func testPrivateKeyPEM(t *testing.T) string {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	der := x509.MarshalPKCS1PrivateKey(key)
	block := &pem.Block{Type: "RSA PRIVATE KEY", Bytes: der}
	return string(pem.EncodeToMemory(block))
}

func newTestClient(t *testing.T, baseURL string) *Client {
	t.Helper()
	cfg := &config.Config{
		CI: config.CIConfig{
			BaseURL:        baseURL,
			AppID:          "12345",
			PrivateKeyPEM:  testPrivateKeyPEM(t),
			APIVersion:     "2022-11-28",
			UserAgent:      "rollout-orchestrator-test",
			RequestTimeout: 5 * time.Second,
		},
		Redis: config.RedisConfig{Enabled: false},
	}
	c, err := New(cfg, logger.New("error", "json", nil))
	require.NoError(t, err)
	return c
}

func TestClient_CreateDeployment(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/repos/acme/widgets/installation":
			w.Write([]byte(`{"id": 99}`))
		case r.URL.Path == "/app/installations/99/access_tokens":
			w.Write([]byte(`{"token": "v1.abc", "expires_at": "` + time.Now().Add(time.Hour).Format(time.RFC3339) + `"}`))
		case r.URL.Path == "/repos/acme/widgets/deployments":
			w.Write([]byte(`{"id": 555}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	id, err := c.CreateDeployment(t.Context(), domain.CreateDeploymentInput{
		Owner: "acme", Repo: "widgets", GitRef: "abc123", Environment: "staging",
	})
	require.NoError(t, err)
	require.Equal(t, int64(555), id)
}

func TestClient_ListRuns(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/repos/acme/widgets/installation":
			w.Write([]byte(`{"id": 99}`))
		case r.URL.Path == "/app/installations/99/access_tokens":
			w.Write([]byte(`{"token": "v1.abc", "expires_at": "` + time.Now().Add(time.Hour).Format(time.RFC3339) + `"}`))
		case r.URL.Path == "/repos/acme/widgets/actions/runs":
			w.Write([]byte(`{"workflow_runs": [{"id": 1, "status": "completed"}, {"id": 2, "status": "in_progress"}]}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	runs, err := c.ListRuns(t.Context(), "acme", "widgets", "abc123")
	require.NoError(t, err)
	require.Len(t, runs, 2)
	require.Equal(t, domain.CIProviderStatus("completed"), runs[0].Status)
	require.Equal(t, domain.CIProviderStatus("in_progress"), runs[1].Status)
}

func TestClient_UpdateDeploymentStatus_SurfacesAuthError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/repos/acme/widgets/installation":
			w.Write([]byte(`{"id": 99}`))
		case r.URL.Path == "/app/installations/99/access_tokens":
			w.Write([]byte(`{"token": "v1.abc", "expires_at": "` + time.Now().Add(time.Hour).Format(time.RFC3339) + `"}`))
		default:
			w.WriteHeader(http.StatusUnauthorized)
		}
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	err := c.UpdateDeploymentStatus(t.Context(), "acme", "widgets", 555, domain.DeploymentStateSuccess)
	require.Error(t, err)
}
