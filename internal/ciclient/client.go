// Package ciclient implements domain.CIClient against a GitHub
// Deployments-shaped CI provider: deployment creation, deployment status
// updates, and run listing for a commit, authenticated via a GitHub
// App-style installation token that the client mints and caches itself.
package ciclient

import (
	"context"
	"crypto/rsa"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/sync/singleflight"

	"github.com/northstack/rollout/internal/config"
	"github.com/northstack/rollout/internal/domain"
	"github.com/northstack/rollout/internal/metrics"
	apperrors "github.com/northstack/rollout/pkg/errors"
	"github.com/northstack/rollout/pkg/logger"
)

// Client implements domain.CIClient over HTTP.
type Client struct {
	http   *resty.Client
	appID  string
	key    *rsa.PrivateKey
	cache  tokenCache
	mint   singleflight.Group
	logger *logger.Logger
}

// New creates a CI provider client. Installation tokens are cached in
// Redis when cfg.Redis.Enabled, otherwise in-process.
func New(cfg *config.Config, log *logger.Logger) (*Client, error) {
	key, err := parseRSAPrivateKeyPEM([]byte(cfg.CI.PrivateKeyPEM))
	if err != nil {
		return nil, err
	}

	var cache tokenCache
	if cfg.Redis.Enabled {
		cache, err = newRedisTokenCache(cfg.Redis)
		if err != nil {
			return nil, err
		}
	} else {
		cache = newMemoryTokenCache()
	}

	httpClient := resty.New().
		SetBaseURL(cfg.CI.BaseURL).
		SetTimeout(cfg.CI.RequestTimeout).
		SetHeader("Accept", "application/vnd.github+json").
		SetHeader("X-GitHub-Api-Version", cfg.CI.APIVersion).
		SetHeader("User-Agent", cfg.CI.UserAgent).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond)

	return &Client{
		http:   httpClient,
		appID:  cfg.CI.AppID,
		key:    key,
		cache:  cache,
		logger: log,
	}, nil
}

// installationToken mints or returns a cached installation token scoped
// to owner/repo. Concurrent callers for the same owner/repo collapse onto
// a single in-flight mint via singleflight, keyed the same as the cache,
// so at most one request actually reaches the CI provider per key even
// when several Processor goroutines race a cache miss at once.
func (c *Client) installationToken(ctx context.Context, owner, repo string) (string, error) {
	key := owner + "/" + repo
	if tok, ok := c.cache.get(ctx, key); ok {
		return tok.Token, nil
	}

	v, err, _ := c.mint.Do(key, func() (interface{}, error) {
		return c.mintInstallationToken(ctx, owner, repo, key)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (c *Client) mintInstallationToken(ctx context.Context, owner, repo, key string) (string, error) {
	// Re-check: another caller may have won the race and cached a token
	// while this one was waiting for a singleflight slot.
	if tok, ok := c.cache.get(ctx, key); ok {
		return tok.Token, nil
	}

	// acquireMintLock also serializes across replicas when the cache is
	// Redis-backed (SET NX); singleflight above only covers this process.
	release, acquired, err := c.cache.acquireMintLock(ctx, key)
	if err != nil {
		return "", apperrors.Transient("failed to acquire installation token mint lock", err)
	}
	if !acquired {
		return c.waitForMintedToken(ctx, key)
	}
	defer release()

	if tok, ok := c.cache.get(ctx, key); ok {
		return tok.Token, nil
	}

	assertion, err := mintAppJWT(c.appID, c.key, time.Now())
	if err != nil {
		return "", err
	}

	installationID, err := c.findInstallation(ctx, assertion, owner, repo)
	if err != nil {
		return "", err
	}

	var result struct {
		Token     string    `json:"token"`
		ExpiresAt time.Time `json:"expires_at"`
	}
	start := time.Now()
	resp, err := c.http.R().
		SetContext(ctx).
		SetAuthToken(assertion).
		SetResult(&result).
		Post(fmt.Sprintf("/app/installations/%d/access_tokens", installationID))
	metrics.CIClientCallDuration.WithLabelValues("mint_installation_token").Observe(time.Since(start).Seconds())
	if err != nil {
		return "", apperrors.Transient("failed to mint installation token", err)
	}
	if resp.IsError() {
		return "", statusError(resp.StatusCode(), "mint installation token")
	}

	tok := installationToken{Token: result.Token, ExpiresAt: result.ExpiresAt}
	if err := c.cache.set(ctx, key, tok); err != nil {
		c.logger.Warn().Err(err).Msg("failed to cache installation token")
	}
	return tok.Token, nil
}

// waitForMintedToken polls the shared cache for a token another replica is
// currently minting under the lock this process failed to acquire.
func (c *Client) waitForMintedToken(ctx context.Context, key string) (string, error) {
	const (
		pollInterval = 200 * time.Millisecond
		maxWait      = 10 * time.Second
	)
	deadline := time.Now().Add(maxWait)
	for time.Now().Before(deadline) {
		if tok, ok := c.cache.get(ctx, key); ok {
			return tok.Token, nil
		}
		select {
		case <-ctx.Done():
			return "", apperrors.Transient("context cancelled waiting for installation token", ctx.Err())
		case <-time.After(pollInterval):
		}
	}
	return "", apperrors.Transient("timed out waiting for another replica to mint an installation token", nil)
}

func (c *Client) findInstallation(ctx context.Context, assertion, owner, repo string) (int64, error) {
	var result struct {
		ID int64 `json:"id"`
	}
	start := time.Now()
	resp, err := c.http.R().
		SetContext(ctx).
		SetAuthToken(assertion).
		SetResult(&result).
		Get(fmt.Sprintf("/repos/%s/%s/installation", owner, repo))
	metrics.CIClientCallDuration.WithLabelValues("find_installation").Observe(time.Since(start).Seconds())
	if err != nil {
		return 0, apperrors.Transient("failed to resolve app installation", err)
	}
	if resp.IsError() {
		return 0, statusError(resp.StatusCode(), "resolve app installation")
	}
	return result.ID, nil
}

// CreateDeployment creates a CI provider deployment for one environment.
func (c *Client) CreateDeployment(ctx context.Context, in domain.CreateDeploymentInput) (int64, error) {
	token, err := c.installationToken(ctx, in.Owner, in.Repo)
	if err != nil {
		return 0, err
	}

	body := map[string]interface{}{
		"ref":              in.GitRef,
		"environment":      in.Environment,
		"description":      in.Description,
		"auto_merge":       false,
		"required_contexts": []string{},
	}

	var result struct {
		ID int64 `json:"id"`
	}
	start := time.Now()
	resp, err := c.http.R().
		SetContext(ctx).
		SetAuthToken(token).
		SetBody(body).
		SetResult(&result).
		Post(fmt.Sprintf("/repos/%s/%s/deployments", in.Owner, in.Repo))
	metrics.CIClientCallDuration.WithLabelValues("create_deployment").Observe(time.Since(start).Seconds())
	if err != nil {
		return 0, apperrors.Transient("failed to create deployment", err)
	}
	if resp.IsError() {
		return 0, statusError(resp.StatusCode(), "create deployment")
	}
	return result.ID, nil
}

// UpdateDeploymentStatus pushes a new deployment status.
func (c *Client) UpdateDeploymentStatus(ctx context.Context, owner, repo string, deploymentID int64, state domain.DeploymentState) error {
	token, err := c.installationToken(ctx, owner, repo)
	if err != nil {
		return err
	}

	body := map[string]interface{}{"state": string(state)}

	start := time.Now()
	resp, err := c.http.R().
		SetContext(ctx).
		SetAuthToken(token).
		SetBody(body).
		Post(fmt.Sprintf("/repos/%s/%s/deployments/%d/statuses", owner, repo, deploymentID))
	metrics.CIClientCallDuration.WithLabelValues("update_deployment_status").Observe(time.Since(start).Seconds())
	if err != nil {
		return apperrors.Transient("failed to update deployment status", err)
	}
	if resp.IsError() {
		return statusError(resp.StatusCode(), "update deployment status")
	}
	return nil
}

// ListRuns lists CI runs for a commit.
func (c *Client) ListRuns(ctx context.Context, owner, repo, sha string) ([]domain.Run, error) {
	token, err := c.installationToken(ctx, owner, repo)
	if err != nil {
		return nil, err
	}

	var result struct {
		WorkflowRuns []struct {
			ID     int64  `json:"id"`
			Status string `json:"status"`
		} `json:"workflow_runs"`
	}

	start := time.Now()
	resp, err := c.http.R().
		SetContext(ctx).
		SetAuthToken(token).
		SetQueryParam("head_sha", sha).
		SetQueryParam("event", "deployment").
		SetQueryParam("per_page", "100").
		SetResult(&result).
		Get(fmt.Sprintf("/repos/%s/%s/actions/runs", owner, repo))
	metrics.CIClientCallDuration.WithLabelValues("list_runs").Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, apperrors.Transient("failed to list runs", err)
	}
	if resp.IsError() {
		return nil, statusError(resp.StatusCode(), "list runs")
	}

	runs := make([]domain.Run, len(result.WorkflowRuns))
	for i, r := range result.WorkflowRuns {
		runs[i] = domain.Run{ID: r.ID, Status: domain.CIProviderStatus(r.Status)}
	}
	return runs, nil
}

func statusError(code int, action string) error {
	switch {
	case code == 401 || code == 403:
		return apperrors.Unauthorized(fmt.Sprintf("failed to %s: status %d", action, code))
	case code == 429:
		return apperrors.RateLimited(fmt.Sprintf("failed to %s: status %d", action, code))
	case code >= 500:
		return apperrors.Transient(fmt.Sprintf("failed to %s: status %d", action, code), nil)
	default:
		return apperrors.ProtocolViolation(fmt.Sprintf("failed to %s: status %d", action, code), nil)
	}
}
