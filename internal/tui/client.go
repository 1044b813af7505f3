package tui

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/fentz26/steward/internal/models"
)

// DefaultClientTimeout is the default timeout for API requests.
const DefaultClientTimeout = 10 * time.Second

// Client wraps HTTP calls to the Steward API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a new API client with timeout.
func NewClient(baseURL string) *Client {
	if !strings.HasPrefix(baseURL, "http://") && !strings.HasPrefix(baseURL, "https://") {
		baseURL = "http://" + baseURL
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: DefaultClientTimeout},
	}
}

// ListComponents fetches every registered component.
func (c *Client) ListComponents(ctx context.Context) ([]models.Component, error) {
	var comps []models.Component
	err := c.do(ctx, http.MethodGet, "/components", nil, &comps)
	return comps, err
}

// GetStatus fetches the status document of one component.
func (c *Client) GetStatus(ctx context.Context, id string) (*ComponentStatus, error) {
	var st ComponentStatus
	if err := c.do(ctx, http.MethodGet, "/components/"+url.PathEscape(id), nil, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// GetHealth fetches the health checks of the component's latest session.
func (c *Client) GetHealth(ctx context.Context, id string, limit int) (*HealthReport, error) {
	var report HealthReport
	path := fmt.Sprintf("/components/%s/health?limit=%d", url.PathEscape(id), limit)
	if err := c.do(ctx, http.MethodGet, path, nil, &report); err != nil {
		return nil, err
	}
	return &report, nil
}

// Statistics fetches the loop counters.
func (c *Client) Statistics(ctx context.Context) (*LoopStats, error) {
	var stats LoopStats
	if err := c.do(ctx, http.MethodGet, "/statistics", nil, &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

// Opportunities runs a detection pass on the daemon.
func (c *Client) Opportunities(ctx context.Context) ([]models.Opportunity, error) {
	var opps []models.Opportunity
	err := c.do(ctx, http.MethodGet, "/opportunities", nil, &opps)
	return opps, err
}

// Rollback forces a rollback to versionID, or to the previous version when
// versionID is empty.
func (c *Client) Rollback(ctx context.Context, id, versionID, reason string) (*models.RollbackEvent, error) {
	body := map[string]string{"version_id": versionID, "reason": reason}
	var ev models.RollbackEvent
	if err := c.do(ctx, http.MethodPost, "/components/"+url.PathEscape(id)+"/rollback", body, &ev); err != nil {
		return nil, err
	}
	return &ev, nil
}

// ClearHold lifts the hold on a component.
func (c *Client) ClearHold(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/components/"+url.PathEscape(id)+"/hold", nil, nil)
}

// Pause pauses the autonomous loop.
func (c *Client) Pause(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/loop/pause", nil, nil)
}

// Resume resumes the autonomous loop.
func (c *Client) Resume(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/loop/resume", nil, nil)
}

// CheckHealth checks if the daemon is healthy.
func (c *Client) CheckHealth(ctx context.Context) (bool, error) {
	var health struct {
		OK bool `json:"ok"`
	}
	if err := c.do(ctx, http.MethodGet, "/health", nil, &health); err != nil {
		return false, err
	}
	return health.OK, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		var apiErr struct {
			Message string `json:"message"`
		}
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Message != "" {
			return fmt.Errorf("API error (%d): %s", resp.StatusCode, apiErr.Message)
		}
		return fmt.Errorf("API error (%d): %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(data, out)
}
