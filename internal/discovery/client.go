package discovery

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	openai "github.com/sashabaranov/go-openai"

	"owuiboot/internal/config"
)

// Client wraps the OpenAI-compatible endpoint used for model discovery and
// capability probing. Exactly one ListModelIDs call happens per container
// start; every request carries the configured bounded timeout.
type Client struct {
	api        *openai.Client
	verify     bool
	probeInput string
}

func NewClient(cfg config.DiscoveryConfig) *Client {
	apiCfg := openai.DefaultConfig(cfg.APIKey)
	apiCfg.BaseURL = cfg.BaseURL
	apiCfg.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	return &Client{
		api:        openai.NewClientWithConfig(apiCfg),
		verify:     cfg.VerifyEndpoints,
		probeInput: cfg.ProbeInput,
	}
}

// ListModelIDs fetches {baseUrl}/models and returns the IDs deduplicated in
// response order.
func (c *Client) ListModelIDs(ctx context.Context) ([]string, error) {
	list, err := c.api.ListModels(ctx)
	if err != nil {
		return nil, fmt.Errorf("list models: %w", err)
	}

	seen := map[string]struct{}{}
	out := make([]string, 0, len(list.Models))
	for _, m := range list.Models {
		id := m.ID
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out, nil
}

// ProbeEmbeddings verifies that a candidate actually serves /embeddings.
// The bool is the verdict; the string is a diagnostic reason recorded in
// the discovery cache.
func (c *Client) ProbeEmbeddings(ctx context.Context, modelID string) (bool, string) {
	if !c.verify {
		return true, "probe_disabled"
	}

	resp, err := c.api.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: c.probeInput,
		Model: openai.EmbeddingModel(modelID),
	})
	if err != nil {
		var apiErr *openai.APIError
		if errors.As(err, &apiErr) {
			return false, fmt.Sprintf("http_%d", apiErr.HTTPStatusCode)
		}
		var reqErr *openai.RequestError
		if errors.As(err, &reqErr) {
			return false, fmt.Sprintf("http_%d", reqErr.HTTPStatusCode)
		}
		return false, fmt.Sprintf("network_%v", err)
	}
	if len(resp.Data) == 0 {
		return false, "missing_data"
	}
	return true, "ok"
}

// SelectEmbeddingModel probes candidates in order and returns the first one
// with working /embeddings support, plus the per-candidate check results.
func (c *Client) SelectEmbeddingModel(ctx context.Context, candidates []string) (string, map[string]ProbeCheck) {
	checks := map[string]ProbeCheck{}
	for _, id := range candidates {
		ok, reason := c.ProbeEmbeddings(ctx, id)
		checks[id] = ProbeCheck{Supported: ok, Reason: reason}
		if ok {
			return id, checks
		}
	}
	return "", checks
}

type ProbeCheck struct {
	Supported bool   `json:"supported"`
	Reason    string `json:"reason"`
}
