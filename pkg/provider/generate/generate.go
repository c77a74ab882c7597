package generate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	ollama "github.com/ollama/ollama/api"

	"github.com/rhuss/chatrelay/pkg/api"
	"github.com/rhuss/chatrelay/pkg/debug"
	"github.com/rhuss/chatrelay/pkg/provider"
)

// Provider implements provider.Provider for the raw-generate dialect.
//
// Generation requests are issued directly so the adapter controls line
// decoding and the idle watchdog. Model listing goes through the Ollama
// client.
type Provider struct {
	cfg    Config
	client *http.Client
	api    *ollama.Client
}

// Ensure Provider implements provider.Provider at compile time.
var _ provider.Provider = (*Provider)(nil)

// New creates a Provider. It returns an error if the configuration is invalid.
func New(cfg Config) (*Provider, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("generate: BaseURL is required")
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("generate: invalid BaseURL: %w", err)
	}

	if cfg.Timeout == 0 {
		cfg.Timeout = 120 * time.Second
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = provider.DefaultReadTimeout
	}

	client := &http.Client{Timeout: cfg.Timeout}
	return &Provider{
		cfg:    cfg,
		client: client,
		api:    ollama.NewClient(base, client),
	}, nil
}

// Name returns "ollama".
func (p *Provider) Name() string {
	return "ollama"
}

// Backend returns api.BackendRawGenerate.
func (p *Provider) Backend() api.Backend {
	return api.BackendRawGenerate
}

// Capabilities returns what this provider supports.
func (p *Provider) Capabilities() provider.Capabilities {
	return provider.Capabilities{
		Streaming:      true,
		Cancel:         true,
		ModelListing:   true,
		SamplingExtras: []string{"top_k", "repetition_penalty"},
	}
}

func (p *Provider) newRequest(ctx context.Context, req *provider.Request, stream bool) (*http.Request, error) {
	genReq := TranslateRequest(req, stream)
	debug.Dump("providers", "ollama request", genReq)

	body, err := json.Marshal(genReq)
	if err != nil {
		return nil, api.NewInternalError(fmt.Sprintf("failed to marshal request: %s", err))
	}

	endpoint := p.cfg.BaseURL + "/api/generate"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, api.NewInternalError(fmt.Sprintf("failed to create HTTP request: %s", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/x-ndjson")
	if p.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	}

	debug.Log("providers", "sending request", "provider", "ollama", "url", endpoint, "model", genReq.Model, "stream", stream)
	return httpReq, nil
}

// Complete performs a non-streaming generation.
func (p *Provider) Complete(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	httpReq, err := p.newRequest(ctx, req, false)
	if err != nil {
		return nil, err
	}

	httpResp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, provider.ErrorFromTransport(ctx, err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		return nil, provider.ErrorFromResponse(httpResp)
	}

	var genResp ollama.GenerateResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&genResp); err != nil {
		return nil, api.NewError(api.KindStreamInterrupted, "failed to parse backend response: %s", err)
	}
	return TranslateResponse(&genResp), nil
}

// Stream performs a streaming generation. As with the other adapters no
// client timeout applies. cfg.Timeout bounds the wait for the headers,
// then the watchdog and ctx bound the stream.
func (p *Provider) Stream(ctx context.Context, req *provider.Request) (<-chan provider.Event, error) {
	reqCtx, cancel := context.WithCancel(ctx)

	httpReq, err := p.newRequest(reqCtx, req, true)
	if err != nil {
		cancel()
		return nil, err
	}

	streamClient := &http.Client{Transport: p.client.Transport}
	httpResp, apiErr := provider.Open(ctx, streamClient, httpReq, p.cfg.Timeout, cancel)
	if apiErr != nil {
		cancel()
		return nil, apiErr
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		defer cancel()
		defer httpResp.Body.Close()
		return nil, provider.ErrorFromResponse(httpResp)
	}

	ch := make(chan provider.Event, 16)
	wd := provider.StartWatchdog(p.cfg.ReadTimeout, cancel)
	guard := &provider.FrameGuard{Backend: api.BackendRawGenerate, Limit: p.cfg.MaxMalformedFrames}

	go func() {
		defer close(ch)
		defer cancel()
		defer wd.Stop()
		defer httpResp.Body.Close()
		ParseNDJSONStream(ctx, wd.Reader(httpResp.Body), ch, guard, wd)
	}()

	return ch, nil
}

// ListModels returns the locally available models (GET /api/tags).
func (p *Provider) ListModels(ctx context.Context) ([]api.ModelInfo, error) {
	resp, err := p.api.List(ctx)
	if err != nil {
		var statusErr ollama.StatusError
		if errors.As(err, &statusErr) {
			return nil, api.NewBackendStatusError(statusErr.StatusCode, statusErr.ErrorMessage, "")
		}
		return nil, provider.ErrorFromTransport(ctx, err)
	}

	models := make([]api.ModelInfo, 0, len(resp.Models))
	for _, m := range resp.Models {
		id := m.Model
		if id == "" {
			id = m.Name
		}
		models = append(models, api.ModelInfo{ID: id, Backend: api.BackendRawGenerate})
	}
	return models, nil
}

// Close releases idle connections.
func (p *Provider) Close() error {
	p.client.CloseIdleConnections()
	return nil
}
