package cloudapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/rhuss/chatrelay/pkg/api"
	"github.com/rhuss/chatrelay/pkg/debug"
	"github.com/rhuss/chatrelay/pkg/provider"
)

// Provider implements provider.Provider for the vendor API.
type Provider struct {
	cfg    Config
	client openai.Client
	http   *http.Client
}

// Ensure Provider implements provider.Provider at compile time.
var _ provider.Provider = (*Provider)(nil)

// New creates a Provider. It returns an error if the configuration is invalid.
func New(cfg Config) (*Provider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("cloudapi: APIKey is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if !strings.HasSuffix(cfg.BaseURL, "/") {
		cfg.BaseURL += "/"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 120 * time.Second
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = provider.DefaultReadTimeout
	}

	// The client carries no timeout; Complete bounds itself with
	// cfg.Timeout and streams are bounded by the watchdog and ctx.
	httpClient := &http.Client{}
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithBaseURL(cfg.BaseURL),
		option.WithHTTPClient(httpClient),
		option.WithMaxRetries(0),
	}
	if cfg.Organization != "" {
		opts = append(opts, option.WithOrganization(cfg.Organization))
	}

	return &Provider{
		cfg:    cfg,
		client: openai.NewClient(opts...),
		http:   httpClient,
	}, nil
}

// Name returns "openai".
func (p *Provider) Name() string {
	return "openai"
}

// Backend returns api.BackendVendorAPI.
func (p *Provider) Backend() api.Backend {
	return api.BackendVendorAPI
}

// Capabilities returns what this provider supports. The vendor surface
// has no sampling extras.
func (p *Provider) Capabilities() provider.Capabilities {
	return provider.Capabilities{
		Streaming:    true,
		Cancel:       true,
		ModelListing: true,
	}
}

// Complete performs a non-streaming chat completion.
func (p *Provider) Complete(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	params := p.params(req, false)

	reqCtx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	completion, err := p.client.Chat.Completions.New(reqCtx, params)
	if err != nil {
		return nil, classify(ctx, err)
	}

	resp := &provider.Response{Model: completion.Model}
	if len(completion.Choices) > 0 {
		resp.Text = completion.Choices[0].Message.Content
		resp.FinishReason = string(completion.Choices[0].FinishReason)
	}
	resp.Usage = provider.UsageOf(int(completion.Usage.PromptTokens), int(completion.Usage.CompletionTokens))
	return resp, nil
}

// Stream performs a streaming chat completion.
//
// The first chunk is read before returning so that authentication and
// validation failures surface as a returned error, like the HTTP adapters'
// non-2xx answers.
func (p *Provider) Stream(ctx context.Context, req *provider.Request) (<-chan provider.Event, error) {
	params := p.params(req, true)

	reqCtx, cancel := context.WithCancel(ctx)
	wd := provider.StartWatchdog(p.cfg.ReadTimeout, cancel)
	guard := &provider.FrameGuard{Backend: api.BackendVendorAPI, Limit: p.cfg.MaxMalformedFrames}

	stream := p.client.Chat.Completions.NewStreaming(reqCtx, params,
		option.WithMiddleware(frameFilter(guard, wd)))
	if !stream.Next() {
		err := stream.Err()
		stream.Close()
		wd.Stop()
		cancel()
		switch {
		case wd.Fired():
			return nil, provider.Interrupted(ctx, wd, err)
		case err != nil:
			return nil, classify(ctx, err)
		default:
			return nil, api.NewError(api.KindStreamInterrupted, "stream ended before the first chunk")
		}
	}
	wd.Touch()

	ch := make(chan provider.Event, 16)
	go func() {
		defer close(ch)
		defer cancel()
		defer wd.Stop()
		defer stream.Close()

		var (
			finishReason string
			usage        *api.Usage
		)

		for {
			chunk := stream.Current()
			if chunk.Usage.PromptTokens > 0 || chunk.Usage.CompletionTokens > 0 {
				usage = provider.UsageOf(int(chunk.Usage.PromptTokens), int(chunk.Usage.CompletionTokens))
			}
			if len(chunk.Choices) > 0 {
				choice := chunk.Choices[0]
				if choice.FinishReason != "" {
					finishReason = string(choice.FinishReason)
				}
				if choice.Delta.Content != "" {
					if !provider.Send(ctx, ch, provider.Event{Type: provider.EventDelta, Delta: choice.Delta.Content}) {
						return
					}
				}
			}

			if !stream.Next() {
				break
			}
			wd.Touch()
		}

		err := stream.Err()
		var (
			apiErr   *openai.Error
			relayErr *api.Error
		)
		switch {
		case errors.As(err, &apiErr), errors.As(err, &relayErr):
			provider.Send(ctx, ch, provider.Event{Type: provider.EventError, Err: classify(ctx, err)})
			return
		case err != nil || finishReason == "":
			if ie := provider.Interrupted(ctx, wd, err); ie != nil {
				provider.Send(ctx, ch, provider.Event{Type: provider.EventError, Err: ie})
			}
			return
		}

		provider.Send(ctx, ch, provider.Event{
			Type:         provider.EventDone,
			FinishReason: finishReason,
			Usage:        usage,
		})
	}()

	return ch, nil
}

// ListModels returns the models visible to the configured key.
func (p *Provider) ListModels(ctx context.Context) ([]api.ModelInfo, error) {
	page, err := p.client.Models.List(ctx)
	if err != nil {
		return nil, classify(ctx, err)
	}

	models := make([]api.ModelInfo, 0, len(page.Data))
	for _, m := range page.Data {
		models = append(models, api.ModelInfo{
			ID:      m.ID,
			Backend: api.BackendVendorAPI,
			OwnedBy: m.OwnedBy,
		})
	}
	return models, nil
}

// Close releases idle connections.
func (p *Provider) Close() error {
	p.http.CloseIdleConnections()
	return nil
}

// params builds the SDK request. Sampling extras the vendor does not
// accept are dropped first.
func (p *Provider) params(req *provider.Request, stream bool) openai.ChatCompletionNewParams {
	r := *req
	provider.DropUnsupported(p.Name(), p.Capabilities(), &r)

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(r.Model),
		Messages: make([]openai.ChatCompletionMessageParamUnion, 0, len(r.Messages)),
	}
	for _, m := range r.Messages {
		switch m.Role {
		case api.RoleSystem:
			params.Messages = append(params.Messages, openai.SystemMessage(m.Content))
		case api.RoleAssistant:
			params.Messages = append(params.Messages, openai.AssistantMessage(m.Content))
		default:
			params.Messages = append(params.Messages, openai.UserMessage(m.Content))
		}
	}

	if r.Params.MaxTokens != nil {
		params.MaxTokens = openai.Int(int64(*r.Params.MaxTokens))
	}
	if r.Params.Temperature != nil {
		params.Temperature = openai.Float(*r.Params.Temperature)
	}
	if r.Params.TopP != nil {
		params.TopP = openai.Float(*r.Params.TopP)
	}
	if stream {
		params.StreamOptions = openai.ChatCompletionStreamOptionsParam{
			IncludeUsage: openai.Bool(true),
		}
	}

	debug.Dump("providers", "openai request", params)
	return params
}

// classify maps an SDK error onto the error taxonomy. API errors carry
// the HTTP status and errors raised by the frame filter pass through.
// Anything else is a transport failure.
func classify(ctx context.Context, err error) *api.Error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return api.NewBackendStatusError(apiErr.StatusCode, apiErr.Message, "")
	}
	var relayErr *api.Error
	if errors.As(err, &relayErr) {
		return relayErr
	}
	return provider.ErrorFromTransport(ctx, err)
}
