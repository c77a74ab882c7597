package openaicompat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rhuss/chatrelay/pkg/api"
	"github.com/rhuss/chatrelay/pkg/debug"
	"github.com/rhuss/chatrelay/pkg/provider"
)

// Provider implements provider.Provider for OpenAI-compatible Chat
// Completions backends.
type Provider struct {
	cfg    Config
	client *http.Client
}

// Ensure Provider implements provider.Provider at compile time.
var _ provider.Provider = (*Provider)(nil)

// New creates a Provider. It returns an error if the configuration is invalid.
func New(cfg Config) (*Provider, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("openaicompat: BaseURL is required")
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	if cfg.Runtime == "" {
		cfg.Runtime = "openai-compatible"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 120 * time.Second
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = provider.DefaultReadTimeout
	}

	return &Provider{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}, nil
}

// Name returns the runtime name.
func (p *Provider) Name() string {
	return p.cfg.Runtime
}

// Backend returns api.BackendOpenAICompatible.
func (p *Provider) Backend() api.Backend {
	return api.BackendOpenAICompatible
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

func (p *Provider) mapModel(model string) string {
	if mapped, ok := p.cfg.ModelMapping[model]; ok {
		return mapped
	}
	return model
}

func (p *Provider) newRequest(ctx context.Context, req *provider.Request, stream bool) (*http.Request, error) {
	chatReq := TranslateRequest(req, p.mapModel(req.Model), stream)
	debug.Dump("providers", p.cfg.Runtime+" request", chatReq)

	body, err := json.Marshal(chatReq)
	if err != nil {
		return nil, api.NewInternalError(fmt.Sprintf("failed to marshal request: %s", err))
	}

	url := p.cfg.BaseURL + "/v1/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, api.NewInternalError(fmt.Sprintf("failed to create HTTP request: %s", err))
	}

	httpReq.Header.Set("Content-Type", "application/json")
	if stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}
	if p.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	}

	debug.Log("providers", "sending request", "provider", p.cfg.Runtime, "url", url, "model", chatReq.Model, "stream", stream)
	return httpReq, nil
}

// Complete performs a non-streaming chat completion.
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

	var chatResp ChatCompletionResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&chatResp); err != nil {
		return nil, api.NewError(api.KindStreamInterrupted, "failed to parse backend response: %s", err)
	}
	return TranslateResponse(&chatResp), nil
}

// Stream performs a streaming chat completion.
//
// The HTTP client timeout is not applied to streams because a stream can
// legitimately outlast any fixed timeout. cfg.Timeout bounds the wait for
// the response headers, the idle watchdog aborts streams that go silent
// afterwards and ctx controls the request lifetime.
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
	guard := &provider.FrameGuard{Backend: api.BackendOpenAICompatible, Limit: p.cfg.MaxMalformedFrames}

	go func() {
		defer close(ch)
		defer cancel()
		defer wd.Stop()
		defer httpResp.Body.Close()
		ParseSSEStream(ctx, wd.Reader(httpResp.Body), ch, guard, wd)
	}()

	return ch, nil
}

// ListModels queries the /v1/models endpoint.
func (p *Provider) ListModels(ctx context.Context) ([]api.ModelInfo, error) {
	url := p.cfg.BaseURL + "/v1/models"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, api.NewInternalError(fmt.Sprintf("failed to create HTTP request: %s", err))
	}
	if p.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	}

	httpResp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, provider.ErrorFromTransport(ctx, err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		return nil, provider.ErrorFromResponse(httpResp)
	}

	var modelsResp ChatModelsResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&modelsResp); err != nil {
		return nil, api.NewInternalError(fmt.Sprintf("failed to parse models response: %s", err))
	}

	models := make([]api.ModelInfo, 0, len(modelsResp.Data))
	for _, m := range modelsResp.Data {
		models = append(models, api.ModelInfo{
			ID:      m.ID,
			Backend: api.BackendOpenAICompatible,
			OwnedBy: m.OwnedBy,
		})
	}
	return models, nil
}

// Close releases idle connections.
func (p *Provider) Close() error {
	p.client.CloseIdleConnections()
	return nil
}
