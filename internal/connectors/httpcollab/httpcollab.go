// Package httpcollab talks to the investigator, improvement generator and
// component registry over JSON/HTTP.
package httpcollab

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/fentz26/steward/internal/connectors"
	"github.com/fentz26/steward/internal/models"
)

// DefaultClientTimeout is the default timeout for collaborator requests.
const DefaultClientTimeout = 30 * time.Second

// Client is a JSON/HTTP client for one collaborator endpoint.
type Client struct {
	baseURL string
	http    *http.Client
}

// New creates a client for the collaborator served at baseURL.
func New(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultClientTimeout
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

// post sends data as JSON and decodes the response into out, if non-nil.
func (c *Client) post(ctx context.Context, path string, data, out interface{}) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(jsonData))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request %s failed: %w", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response body: %w", err)
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("collaborator error (%d): %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// Investigator implements connectors.Investigator.
type Investigator struct{ c *Client }

// NewInvestigator wraps c as an Investigator.
func NewInvestigator(c *Client) *Investigator { return &Investigator{c: c} }

type investigateRequest struct {
	ComponentID string         `json:"component_id"`
	Metrics     models.Metrics `json:"metrics"`
}

// Investigate asks the remote investigator for a diagnosis.
func (i *Investigator) Investigate(ctx context.Context, componentID string, metrics models.Metrics) (*models.Diagnosis, error) {
	var d models.Diagnosis
	if err := i.c.post(ctx, "/investigate", investigateRequest{ComponentID: componentID, Metrics: metrics}, &d); err != nil {
		return nil, err
	}
	if d.ComponentID == "" {
		d.ComponentID = componentID
	}
	return &d, nil
}

// Generator implements connectors.Generator.
type Generator struct{ c *Client }

// NewGenerator wraps c as a Generator.
func NewGenerator(c *Client) *Generator { return &Generator{c: c} }

type generateRequest struct {
	ComponentID string            `json:"component_id"`
	Diagnosis   *models.Diagnosis `json:"diagnosis"`
}

// Generate asks the remote generator for a candidate artifact.
func (g *Generator) Generate(ctx context.Context, componentID string, diagnosis *models.Diagnosis) (*connectors.Generation, error) {
	var gen connectors.Generation
	if err := g.c.post(ctx, "/generate", generateRequest{ComponentID: componentID, Diagnosis: diagnosis}, &gen); err != nil {
		return nil, err
	}
	if gen.Artifact == "" {
		return nil, fmt.Errorf("generator returned an empty artifact for %s", componentID)
	}
	gen.Characteristics.HasDeclaredTestCases = gen.Characteristics.HasDeclaredTestCases || len(gen.TestCases) > 0
	return &gen, nil
}

// Registry implements connectors.Registry.
type Registry struct{ c *Client }

// NewRegistry wraps c as a Registry.
func NewRegistry(c *Client) *Registry { return &Registry{c: c} }

// Reload asks the runtime to load the component's current version.
func (r *Registry) Reload(ctx context.Context, componentID string) error {
	return r.c.post(ctx, "/reload", map[string]string{"component_id": componentID}, nil)
}
