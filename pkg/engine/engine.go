package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rhuss/chatrelay/pkg/api"
	"github.com/rhuss/chatrelay/pkg/debug"
	"github.com/rhuss/chatrelay/pkg/observability"
	"github.com/rhuss/chatrelay/pkg/prompt"
	"github.com/rhuss/chatrelay/pkg/provider"
)

// Warnings attached to terminal events.
const (
	// WarningStoreUnavailable means a message of the exchange could not be
	// written and was queued for background retry.
	WarningStoreUnavailable = "store_unavailable"

	// WarningPersistFailed means a message of the exchange was rejected by
	// the store and is lost.
	WarningPersistFailed = "persist_failed"
)

// Recorder persists the messages of an exchange.
type Recorder interface {
	// RecordMessage persists one message of sessionID. queued reports that
	// the store was unavailable and the write was queued for retry; err is
	// nil in that case.
	RecordMessage(ctx context.Context, sessionID string, role api.Role, content string, metadata map[string]string) (queued bool, err error)
}

// ExchangeRequest is the input of Begin.
type ExchangeRequest struct {
	Session *api.Session
	History []api.Message

	// LoadHistory, when set, replaces History. It is called after the
	// session is reserved, so the history includes every earlier exchange
	// of the session.
	LoadHistory func(ctx context.Context) ([]api.Message, error)

	Text      string
	Params    api.GenerationParams
	Reasoning api.ReasoningMode
	Stream    bool
}

// Orchestrator runs exchanges against the configured backends. At most one
// exchange per session is in flight.
type Orchestrator struct {
	providers *provider.Registry
	recorder  Recorder
	cfg       Config

	mu       sync.Mutex
	inflight map[string]*Exchange
	closing  bool
	wg       sync.WaitGroup
}

// New creates an Orchestrator. providers and recorder must not be nil.
func New(providers *provider.Registry, recorder Recorder, cfg Config) (*Orchestrator, error) {
	if providers == nil {
		return nil, fmt.Errorf("engine: provider registry must not be nil")
	}
	if recorder == nil {
		return nil, fmt.Errorf("engine: recorder must not be nil")
	}
	return &Orchestrator{
		providers: providers,
		recorder:  recorder,
		cfg:       cfg,
		inflight:  make(map[string]*Exchange),
	}, nil
}

// Begin starts an exchange for req.Session. It reserves the session,
// composes the prompt, persists the user message and spawns the exchange
// task. It fails with KindSessionBusy when the session already has an
// exchange in flight; nothing is persisted in that case.
//
// The exchange is bound to ctx: cancelling ctx cancels the exchange.
func (o *Orchestrator) Begin(ctx context.Context, req *ExchangeRequest) (*Exchange, error) {
	if req == nil || req.Session == nil {
		return nil, api.NewInvalidRequestError("session", "session is required")
	}
	if strings.TrimSpace(req.Text) == "" {
		return nil, api.NewInvalidRequestError("text", "must not be empty")
	}
	mode := req.Reasoning
	if mode == "" {
		mode = api.ReasoningOff
	}
	if !mode.Valid() {
		return nil, api.NewInvalidRequestError("reasoning_mode", fmt.Sprintf("unknown reasoning mode %q", mode))
	}
	if apiErr := req.Params.Validate(); apiErr != nil {
		return nil, apiErr
	}

	p, err := o.providers.Get(req.Session.Backend)
	if err != nil {
		return nil, err
	}

	sess := *req.Session
	x := o.newExchange(ctx, &sess)
	if err := o.reserve(x); err != nil {
		x.stop()
		return nil, err
	}

	history := req.History
	if req.LoadHistory != nil {
		history, err = req.LoadHistory(ctx)
		if err != nil {
			o.release(x)
			o.wg.Done()
			x.stop()
			return nil, err
		}
	}
	messages := prompt.Compose(history, req.Text, mode)

	queued, err := o.recorder.RecordMessage(x.persistCtx(), sess.ID, api.RoleUser, req.Text, map[string]string{
		api.MetaBackend:       string(sess.Backend),
		api.MetaModel:         sess.Model,
		api.MetaReasoningMode: string(mode),
	})
	if err != nil {
		o.release(x)
		o.wg.Done()
		x.stop()
		return nil, err
	}
	if queued {
		x.warn(WarningStoreUnavailable)
	}

	preq := &provider.Request{
		Model:     sess.Model,
		Messages:  messages,
		Reasoning: mode,
		Params:    req.Params.WithDefaults(o.cfg.DefaultParams),
		Stream:    req.Stream,
	}

	x.setState(api.StateSending)
	observability.ExchangesActive.Inc()
	debug.Log("engine", "exchange started",
		"exchange_id", x.id, "session_id", sess.ID, "backend", sess.Backend,
		"model", sess.Model, "reasoning_mode", mode, "stream", req.Stream)

	go x.run(p, preq)
	return x, nil
}

// Active returns the in-flight exchange of sessionID.
func (o *Orchestrator) Active(sessionID string) (*Exchange, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	x, ok := o.inflight[sessionID]
	return x, ok
}

// Cancel cancels the in-flight exchange of sessionID. It reports whether
// there was one.
func (o *Orchestrator) Cancel(sessionID string) bool {
	x, ok := o.Active(sessionID)
	if !ok {
		return false
	}
	x.cancel(api.ErrCancelled)
	return true
}

// Shutdown cancels every in-flight exchange, refuses new ones and waits
// for the exchange tasks to finish or ctx to end.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closing = true
	for _, x := range o.inflight {
		x.cancel(api.ErrCancelled)
	}
	o.mu.Unlock()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) reserve(x *Exchange) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closing {
		return api.NewError(api.KindInternal, "orchestrator is shutting down")
	}
	if _, busy := o.inflight[x.session.ID]; busy {
		return api.NewSessionBusyError(x.session.ID)
	}
	o.inflight[x.session.ID] = x
	o.wg.Add(1)
	return nil
}

func (o *Orchestrator) release(x *Exchange) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.inflight[x.session.ID] == x {
		delete(o.inflight, x.session.ID)
	}
}

// Exchange is one in-flight request/response cycle of a session.
type Exchange struct {
	id      string
	session *api.Session
	orch    *Orchestrator
	buffer  int
	timeout time.Duration

	ctx    context.Context
	cancel context.CancelCauseFunc
	stop   context.CancelFunc

	mu       sync.Mutex
	state    api.ExchangeState
	primary  *Subscription
	subs     []*Subscription
	warnings []string
	terminal *api.TokenEvent
	done     chan struct{}
}

func (o *Orchestrator) newExchange(parent context.Context, sess *api.Session) *Exchange {
	x := &Exchange{
		id:      api.NewExchangeID(),
		session: sess,
		orch:    o,
		buffer:  o.cfg.eventBuffer(),
		timeout: o.cfg.exchangeTimeout(),
		state:   api.StateIdle,
		done:    make(chan struct{}),
	}

	ctx, cancel := context.WithCancelCause(parent)
	x.cancel = cancel
	x.ctx = ctx
	stopTimer := context.CancelFunc(func() {})
	if x.timeout > 0 {
		x.ctx, stopTimer = context.WithTimeoutCause(ctx, x.timeout, api.ErrTimeout)
	}
	x.stop = func() {
		stopTimer()
		cancel(nil)
	}

	x.primary = newSubscription(x.buffer, func() { x.cancel(api.ErrCancelled) })
	x.subs = []*Subscription{x.primary}
	return x
}

// ID returns the exchange id.
func (x *Exchange) ID() string { return x.id }

// SessionID returns the id of the session the exchange belongs to.
func (x *Exchange) SessionID() string { return x.session.ID }

// Session returns a copy of the session the exchange runs against.
func (x *Exchange) Session() api.Session { return *x.session }

// State returns the current lifecycle state.
func (x *Exchange) State() api.ExchangeState {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.state
}

// Done is closed once the terminal event has been delivered.
func (x *Exchange) Done() <-chan struct{} {
	return x.done
}

// Events returns the primary subscription's channel.
func (x *Exchange) Events() <-chan api.TokenEvent {
	return x.primary.Events()
}

// Close closes the primary subscription, which cancels the exchange if it
// is still in flight.
func (x *Exchange) Close() {
	x.primary.Close()
}

// Subscribe attaches an observer that receives events from now on. An
// observer attached after the exchange ended receives only the terminal
// event. Observers must drain their channel or Close it.
func (x *Exchange) Subscribe() *Subscription {
	x.mu.Lock()
	defer x.mu.Unlock()

	s := newSubscription(x.buffer, nil)
	if x.terminal != nil {
		s.ch <- *x.terminal
		s.finish()
		return s
	}
	x.subs = append(x.subs, s)
	return s
}

// Wait consumes the primary subscription until the terminal event and
// returns it as a result. A failed or cancelled exchange returns both the
// result (carrying any partial text) and its *api.Error.
func (x *Exchange) Wait(ctx context.Context) (*api.ChatResult, error) {
	for {
		select {
		case ev, ok := <-x.primary.Events():
			if !ok {
				<-x.done
				return x.result()
			}
			if ev.Terminal() {
				return resultOf(ev)
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (x *Exchange) result() (*api.ChatResult, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	return resultOf(*x.terminal)
}

func resultOf(ev api.TokenEvent) (*api.ChatResult, error) {
	if ev.Error != nil {
		return ev.Result(), ev.Error
	}
	return ev.Result(), nil
}

func (x *Exchange) setState(to api.ExchangeState) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if err := api.ValidateTransition(x.state, to); err != nil {
		slog.Error("invalid exchange transition", "exchange_id", x.id, "from", x.state, "to", to)
		return
	}
	x.state = to
}

func (x *Exchange) warn(w string) {
	x.mu.Lock()
	defer x.mu.Unlock()
	for _, existing := range x.warnings {
		if existing == w {
			return
		}
	}
	x.warnings = append(x.warnings, w)
}

// persistCtx keeps the values of the exchange context (the owner) but not
// its cancellation, so partial answers of cancelled exchanges are stored.
func (x *Exchange) persistCtx() context.Context {
	return context.WithoutCancel(x.ctx)
}

func (x *Exchange) event(typ api.TokenEventType) api.TokenEvent {
	return api.TokenEvent{Type: typ, SessionID: x.session.ID, ExchangeID: x.id}
}

func (x *Exchange) publish(ev api.TokenEvent) {
	x.mu.Lock()
	subs := append([]*Subscription(nil), x.subs...)
	x.mu.Unlock()

	for _, s := range subs {
		s.send(x.ctx, ev)
	}
}

// terminate delivers the terminal event to every subscriber and closes
// their channels.
func (x *Exchange) terminate(ev api.TokenEvent) {
	x.mu.Lock()
	ev.Warnings = append([]string(nil), x.warnings...)
	x.terminal = &ev
	subs := x.subs
	x.subs = nil
	x.mu.Unlock()

	for _, s := range subs {
		s.send(nil, ev)
		s.finish()
	}
	close(x.done)
}

// outcome is what the backend produced for one exchange.
type outcome struct {
	text         strings.Builder
	finishReason string
	usage        *api.Usage
	err          *api.Error
	done         bool
}

func (x *Exchange) run(p provider.Provider, req *provider.Request) {
	defer x.orch.wg.Done()
	defer x.stop()
	defer observability.ExchangesActive.Dec()

	start := time.Now()
	out := x.consume(p, req, start)
	if !out.done && x.ctx.Err() != nil {
		out.err = x.contextError()
	}

	ev, state := x.finalize(out)
	x.setState(state)
	x.observe(state, out.usage, time.Since(start))

	if ev.Error != nil {
		slog.Warn("exchange ended with error",
			"exchange_id", x.id, "session_id", x.session.ID, "backend", x.session.Backend,
			"state", state, "kind", ev.Error.Kind, "error", ev.Error.Message, "partial", ev.Partial)
	} else {
		debug.Log("engine", "exchange completed",
			"exchange_id", x.id, "session_id", x.session.ID, "finish_reason", ev.FinishReason,
			"chars", len(ev.Text), "duration", time.Since(start))
	}

	x.orch.release(x)
	x.terminate(ev)
}

func (x *Exchange) consume(p provider.Provider, req *provider.Request, start time.Time) *outcome {
	out := &outcome{}

	if !req.Stream {
		resp, err := p.Complete(x.ctx, req)
		if err != nil {
			out.err = api.AsError(err)
			return out
		}
		x.streaming(start, resp.Text != "")
		if resp.Text != "" {
			out.text.WriteString(resp.Text)
			x.delta(resp.Text)
		}
		out.finishReason, out.usage, out.done = resp.FinishReason, resp.Usage, true
		return out
	}

	ch, err := p.Stream(x.ctx, req)
	if err != nil {
		out.err = api.AsError(err)
		return out
	}

	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				out.err = api.NewError(api.KindStreamInterrupted, "stream ended without a terminal event")
				return out
			}
			switch ev.Type {
			case provider.EventDelta:
				x.streaming(start, true)
				out.text.WriteString(ev.Delta)
				x.delta(ev.Delta)
			case provider.EventDone:
				x.streaming(start, false)
				out.finishReason, out.usage, out.done = ev.FinishReason, ev.Usage, true
				return out
			case provider.EventError:
				out.err = ev.Err
				if out.err == nil {
					out.err = api.NewInternalError("backend reported an unclassified error")
				}
				return out
			}
		case <-x.ctx.Done():
			return out
		}
	}
}

// streaming moves a sending exchange to streaming on its first event.
func (x *Exchange) streaming(start time.Time, token bool) {
	if x.State() != api.StateSending {
		return
	}
	x.setState(api.StateStreaming)
	if token {
		observability.TimeToFirstToken.WithLabelValues(string(x.session.Backend), x.session.Model).
			Observe(time.Since(start).Seconds())
	}
}

func (x *Exchange) delta(text string) {
	ev := x.event(api.TokenDelta)
	ev.Delta = text
	x.publish(ev)
}

func (x *Exchange) contextError() *api.Error {
	cause := context.Cause(x.ctx)
	if errors.Is(cause, api.ErrTimeout) || errors.Is(cause, context.DeadlineExceeded) {
		return api.NewError(api.KindTimeout, "exchange exceeded %s", x.timeout)
	}
	return api.NewError(api.KindCancelled, "exchange cancelled")
}

// finalize persists the assistant turn and builds the terminal event. A
// completed exchange always stores its answer; a failed or cancelled one
// stores only non-empty partial text.
func (x *Exchange) finalize(out *outcome) (api.TokenEvent, api.ExchangeState) {
	text := out.text.String()
	meta := map[string]string{
		api.MetaBackend: string(x.session.Backend),
		api.MetaModel:   x.session.Model,
	}

	if out.err == nil {
		ev := x.event(api.TokenDone)
		ev.Text = text
		ev.FinishReason = out.finishReason
		ev.Usage = out.usage
		if out.finishReason != "" {
			meta[api.MetaFinishReason] = out.finishReason
		}
		if out.usage != nil {
			meta[api.MetaPromptTokens] = strconv.Itoa(out.usage.PromptTokens)
			meta[api.MetaCompletionTokens] = strconv.Itoa(out.usage.CompletionTokens)
		}
		x.record(text, meta)
		return ev, api.StateCompleted
	}

	ev := x.event(api.TokenError)
	ev.Text = text
	ev.Error = out.err
	ev.Partial = text != ""

	state := api.StateFailed
	if out.err.Kind == api.KindCancelled {
		state = api.StateCancelled
		meta[api.MetaCancelled] = "true"
	} else {
		meta[api.MetaError] = "true"
		meta[api.MetaErrorKind] = string(out.err.Kind)
		meta[api.MetaErrorMessage] = out.err.Message
	}

	if text != "" {
		meta[api.MetaPartial] = "true"
		x.record(text, meta)
	}
	return ev, state
}

func (x *Exchange) record(text string, meta map[string]string) {
	queued, err := x.orch.recorder.RecordMessage(x.persistCtx(), x.session.ID, api.RoleAssistant, text, meta)
	switch {
	case err != nil:
		slog.Error("persisting assistant message", "exchange_id", x.id, "session_id", x.session.ID, "error", err)
		x.warn(WarningPersistFailed)
	case queued:
		x.warn(WarningStoreUnavailable)
	}
}

func (x *Exchange) observe(state api.ExchangeState, usage *api.Usage, elapsed time.Duration) {
	backend, model := string(x.session.Backend), x.session.Model
	observability.ExchangesTotal.WithLabelValues(backend, string(state)).Inc()
	observability.BackendRequestsTotal.WithLabelValues(backend, model, string(state)).Inc()
	observability.BackendLatency.WithLabelValues(backend, model).Observe(elapsed.Seconds())
	if usage != nil {
		observability.BackendTokensTotal.WithLabelValues(backend, model, "input").Add(float64(usage.PromptTokens))
		observability.BackendTokensTotal.WithLabelValues(backend, model, "output").Add(float64(usage.CompletionTokens))
	}
}
