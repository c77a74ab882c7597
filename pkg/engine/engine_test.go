package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rhuss/chatrelay/pkg/api"
	"github.com/rhuss/chatrelay/pkg/prompt"
	"github.com/rhuss/chatrelay/pkg/provider"
)

// fakeProvider replays scripted events. With gate set it waits for the gate
// before sending; with hang set it keeps the stream open after the script
// until ctx ends.
type fakeProvider struct {
	backend   api.Backend
	events    []provider.Event
	streamErr error
	gate      chan struct{}
	hang      bool

	complete    *provider.Response
	completeErr error

	mu       sync.Mutex
	requests []*provider.Request
}

func (f *fakeProvider) Name() string         { return "fake" }
func (f *fakeProvider) Backend() api.Backend { return f.backend }
func (f *fakeProvider) Capabilities() provider.Capabilities {
	return provider.Capabilities{Streaming: true, Cancel: true}
}
func (f *fakeProvider) ListModels(context.Context) ([]api.ModelInfo, error) { return nil, nil }
func (f *fakeProvider) Close() error                                        { return nil }

func (f *fakeProvider) record(req *provider.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
}

func (f *fakeProvider) lastRequest() *provider.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.requests) == 0 {
		return nil
	}
	return f.requests[len(f.requests)-1]
}

func (f *fakeProvider) Complete(_ context.Context, req *provider.Request) (*provider.Response, error) {
	f.record(req)
	return f.complete, f.completeErr
}

func (f *fakeProvider) Stream(ctx context.Context, req *provider.Request) (<-chan provider.Event, error) {
	f.record(req)
	if f.streamErr != nil {
		return nil, f.streamErr
	}
	ch := make(chan provider.Event, len(f.events)+1)
	go func() {
		defer close(ch)
		if f.gate != nil {
			select {
			case <-f.gate:
			case <-ctx.Done():
				return
			}
		}
		for _, ev := range f.events {
			if !provider.Send(ctx, ch, ev) {
				return
			}
		}
		if f.hang {
			<-ctx.Done()
		}
	}()
	return ch, nil
}

type recorded struct {
	sessionID string
	role      api.Role
	content   string
	meta      map[string]string
}

type fakeRecorder struct {
	mu     sync.Mutex
	msgs   []recorded
	err    error
	queued bool
}

func (r *fakeRecorder) RecordMessage(_ context.Context, sessionID string, role api.Role, content string, meta map[string]string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return false, r.err
	}
	r.msgs = append(r.msgs, recorded{sessionID, role, content, meta})
	return r.queued, nil
}

func (r *fakeRecorder) messages() []recorded {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]recorded(nil), r.msgs...)
}

func newTestOrchestrator(t *testing.T, p *fakeProvider, rec *fakeRecorder, cfg Config) *Orchestrator {
	t.Helper()
	if p.backend == "" {
		p.backend = api.BackendOpenAICompatible
	}
	o, err := New(provider.NewRegistry(p), rec, cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		o.Shutdown(ctx)
	})
	return o
}

func testSession(backend api.Backend) *api.Session {
	if backend == "" {
		backend = api.BackendOpenAICompatible
	}
	return &api.Session{ID: api.NewSessionID(), Backend: backend, Model: "qwen"}
}

func collect(t *testing.T, ch <-chan api.TokenEvent) []api.TokenEvent {
	t.Helper()
	var events []api.TokenEvent
	timeout := time.After(3 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-timeout:
			t.Fatalf("timed out after %d events", len(events))
			return nil
		}
	}
}

func deltas(p ...string) []provider.Event {
	out := make([]provider.Event, 0, len(p))
	for _, d := range p {
		out = append(out, provider.Event{Type: provider.EventDelta, Delta: d})
	}
	return out
}

func begin(t *testing.T, o *Orchestrator, sess *api.Session, text string) *Exchange {
	t.Helper()
	x, err := o.Begin(context.Background(), &ExchangeRequest{Session: sess, Text: text, Stream: true})
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	return x
}

func TestBegin_StreamsDeltasThenDone(t *testing.T) {
	p := &fakeProvider{events: append(deltas("He", "llo"), provider.Event{
		Type:         provider.EventDone,
		FinishReason: "stop",
		Usage:        &api.Usage{PromptTokens: 3, CompletionTokens: 2, TotalTokens: 5},
	})}
	rec := &fakeRecorder{}
	o := newTestOrchestrator(t, p, rec, Config{})
	sess := testSession("")

	x := begin(t, o, sess, "hi")
	if x.SessionID() != sess.ID {
		t.Errorf("SessionID = %q, want %q", x.SessionID(), sess.ID)
	}
	if !api.ValidateExchangeID(x.ID()) {
		t.Errorf("ID = %q, want an exchange id", x.ID())
	}

	var events []api.TokenEvent
	var atTerminal []recorded
	var activeAtTerminal bool
	for ev := range x.Events() {
		events = append(events, ev)
		if ev.Terminal() {
			atTerminal = rec.messages()
			_, activeAtTerminal = o.Active(sess.ID)
		}
	}

	if len(events) != 3 {
		t.Fatalf("got %d events, want 3: %+v", len(events), events)
	}
	if events[0].Delta != "He" || events[1].Delta != "llo" {
		t.Errorf("deltas = %q, %q, want He, llo", events[0].Delta, events[1].Delta)
	}
	done := events[2]
	if done.Type != api.TokenDone {
		t.Fatalf("terminal type = %s, want done", done.Type)
	}
	if done.Text != "Hello" || done.FinishReason != "stop" {
		t.Errorf("done = %+v, want text Hello and finish reason stop", done)
	}
	if done.Usage == nil || done.Usage.TotalTokens != 5 {
		t.Errorf("usage = %+v, want total 5", done.Usage)
	}
	for _, ev := range events {
		if ev.SessionID != sess.ID || ev.ExchangeID != x.ID() {
			t.Errorf("event ids = %q/%q, want %q/%q", ev.SessionID, ev.ExchangeID, sess.ID, x.ID())
		}
	}

	if len(atTerminal) != 2 {
		t.Fatalf("messages persisted before done = %d, want 2", len(atTerminal))
	}
	if activeAtTerminal {
		t.Error("session still reserved when done was delivered")
	}

	user, assistant := atTerminal[0], atTerminal[1]
	if user.role != api.RoleUser || user.content != "hi" {
		t.Errorf("user message = %+v", user)
	}
	if user.meta[api.MetaReasoningMode] != "off" || user.meta[api.MetaBackend] != string(api.BackendOpenAICompatible) {
		t.Errorf("user metadata = %v", user.meta)
	}
	if assistant.role != api.RoleAssistant || assistant.content != "Hello" {
		t.Errorf("assistant message = %+v", assistant)
	}
	if assistant.meta[api.MetaFinishReason] != "stop" || assistant.meta[api.MetaCompletionTokens] != "2" {
		t.Errorf("assistant metadata = %v", assistant.meta)
	}
	if _, ok := assistant.meta[api.MetaError]; ok {
		t.Errorf("assistant metadata has error flag: %v", assistant.meta)
	}

	<-x.Done()
	if x.State() != api.StateCompleted {
		t.Errorf("State = %s, want completed", x.State())
	}
}

func TestBegin_LoadsHistoryAfterReserving(t *testing.T) {
	gate := make(chan struct{})
	p := &fakeProvider{gate: gate, events: append(deltas("ok"), provider.Event{Type: provider.EventDone})}
	o := newTestOrchestrator(t, p, &fakeRecorder{}, Config{})
	sess := testSession("")

	x := begin(t, o, sess, "first")

	loads := 0
	_, err := o.Begin(context.Background(), &ExchangeRequest{
		Session: sess,
		LoadHistory: func(context.Context) ([]api.Message, error) {
			loads++
			return nil, nil
		},
		Text:   "second",
		Stream: true,
	})
	if !errors.Is(err, api.ErrSessionBusy) {
		t.Fatalf("Begin error = %v, want session busy", err)
	}
	if loads != 0 {
		t.Errorf("history loaded %d times for a busy session, want 0", loads)
	}

	close(gate)
	collect(t, x.Events())

	history := []api.Message{
		{Role: api.RoleUser, Content: "first", Order: 1},
		{Role: api.RoleAssistant, Content: "ok", Order: 2},
	}
	x, err = o.Begin(context.Background(), &ExchangeRequest{
		Session: sess,
		History: []api.Message{{Role: api.RoleUser, Content: "stale", Order: 1}},
		LoadHistory: func(context.Context) ([]api.Message, error) {
			loads++
			return history, nil
		},
		Text:   "second",
		Stream: true,
	})
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	collect(t, x.Events())

	if loads != 1 {
		t.Errorf("history loaded %d times, want 1", loads)
	}
	req := p.lastRequest()
	if len(req.Messages) != 3 || req.Messages[1].Content != "ok" {
		t.Errorf("messages = %+v, want loaded history plus the new turn", req.Messages)
	}
}

func TestBegin_HistoryLoadFailureReleasesSession(t *testing.T) {
	p := &fakeProvider{events: []provider.Event{{Type: provider.EventDone}}}
	rec := &fakeRecorder{}
	o := newTestOrchestrator(t, p, rec, Config{})
	sess := testSession("")

	loadErr := api.NewError(api.KindStoreUnavailable, "store down")
	_, err := o.Begin(context.Background(), &ExchangeRequest{
		Session: sess,
		LoadHistory: func(context.Context) ([]api.Message, error) {
			return nil, loadErr
		},
		Text:   "hi",
		Stream: true,
	})
	if !errors.Is(err, loadErr) {
		t.Fatalf("Begin error = %v, want the load error", err)
	}
	if n := len(rec.messages()); n != 0 {
		t.Errorf("messages = %d, want 0", n)
	}
	if _, ok := o.Active(sess.ID); ok {
		t.Error("session still reserved after a failed history load")
	}

	x := begin(t, o, sess, "again")
	collect(t, x.Events())
}

func TestBegin_SessionBusyPersistsNothing(t *testing.T) {
	gate := make(chan struct{})
	p := &fakeProvider{gate: gate, events: append(deltas("ok"), provider.Event{Type: provider.EventDone})}
	rec := &fakeRecorder{}
	o := newTestOrchestrator(t, p, rec, Config{})
	sess := testSession("")

	x := begin(t, o, sess, "first")

	_, err := o.Begin(context.Background(), &ExchangeRequest{Session: sess, Text: "second", Stream: true})
	if !errors.Is(err, api.ErrSessionBusy) {
		t.Fatalf("second Begin error = %v, want session busy", err)
	}
	if n := len(rec.messages()); n != 1 {
		t.Errorf("messages after busy rejection = %d, want 1", n)
	}

	close(gate)
	collect(t, x.Events())

	if n := len(rec.messages()); n != 2 {
		t.Errorf("messages after completion = %d, want 2", n)
	}

	// The session is free again.
	again := begin(t, o, sess, "third")
	collect(t, again.Events())
}

func TestBegin_ConnectionDropPersistsPartial(t *testing.T) {
	p := &fakeProvider{events: append(deltas("He", "l", "lo"), provider.Event{
		Type: provider.EventError,
		Err:  api.NewError(api.KindStreamInterrupted, "stream read error: unexpected EOF"),
	})}
	rec := &fakeRecorder{}
	o := newTestOrchestrator(t, p, rec, Config{})

	x := begin(t, o, testSession(""), "hi")
	events := collect(t, x.Events())

	if len(events) != 4 {
		t.Fatalf("got %d events, want 3 deltas and an error", len(events))
	}
	last := events[3]
	if last.Type != api.TokenError || last.Error.Kind != api.KindStreamInterrupted {
		t.Fatalf("terminal = %+v, want stream_interrupted error", last)
	}
	if !last.Partial || last.Text != "Hello" {
		t.Errorf("terminal partial = %v text = %q, want true Hello", last.Partial, last.Text)
	}

	msgs := rec.messages()
	if len(msgs) != 2 {
		t.Fatalf("persisted %d messages, want 2", len(msgs))
	}
	partial := msgs[1]
	if partial.content != "Hello" {
		t.Errorf("partial content = %q, want Hello", partial.content)
	}
	if partial.meta[api.MetaError] != "true" || partial.meta[api.MetaPartial] != "true" ||
		partial.meta[api.MetaErrorKind] != string(api.KindStreamInterrupted) {
		t.Errorf("partial metadata = %v", partial.meta)
	}
	if x.State() != api.StateFailed {
		t.Errorf("State = %s, want failed", x.State())
	}
}

func TestBegin_ImmediateFailurePersistsOnlyUser(t *testing.T) {
	p := &fakeProvider{streamErr: api.NewError(api.KindBackendUnreachable, "connection refused")}
	rec := &fakeRecorder{}
	o := newTestOrchestrator(t, p, rec, Config{})

	x := begin(t, o, testSession(""), "hi")
	events := collect(t, x.Events())

	if len(events) != 1 || events[0].Error == nil || events[0].Error.Kind != api.KindBackendUnreachable {
		t.Fatalf("events = %+v, want one backend_unreachable error", events)
	}
	if events[0].Partial {
		t.Error("Partial = true, want false")
	}
	if msgs := rec.messages(); len(msgs) != 1 || msgs[0].role != api.RoleUser {
		t.Errorf("persisted = %+v, want only the user message", msgs)
	}
	if x.State() != api.StateFailed {
		t.Errorf("State = %s, want failed", x.State())
	}
}

func TestBegin_EmptyDoneStillPersists(t *testing.T) {
	p := &fakeProvider{events: []provider.Event{{Type: provider.EventDone, FinishReason: "length"}}}
	rec := &fakeRecorder{}
	o := newTestOrchestrator(t, p, rec, Config{})

	x := begin(t, o, testSession(""), "hi")
	events := collect(t, x.Events())

	if len(events) != 1 || events[0].Type != api.TokenDone {
		t.Fatalf("events = %+v, want a single done", events)
	}
	msgs := rec.messages()
	if len(msgs) != 2 || msgs[1].content != "" || msgs[1].meta[api.MetaFinishReason] != "length" {
		t.Errorf("persisted = %+v, want an empty assistant message", msgs)
	}
}

func TestBegin_StreamClosedWithoutTerminal(t *testing.T) {
	p := &fakeProvider{events: deltas("partial")}
	rec := &fakeRecorder{}
	o := newTestOrchestrator(t, p, rec, Config{})

	events := collect(t, begin(t, o, testSession(""), "hi").Events())
	last := events[len(events)-1]
	if last.Error == nil || last.Error.Kind != api.KindStreamInterrupted {
		t.Errorf("terminal = %+v, want stream_interrupted", last)
	}
}

func TestCancel_PersistsPartialTaggedCancelled(t *testing.T) {
	p := &fakeProvider{events: deltas("He"), hang: true}
	rec := &fakeRecorder{}
	o := newTestOrchestrator(t, p, rec, Config{})
	sess := testSession("")

	x := begin(t, o, sess, "hi")
	first := <-x.Events()
	if first.Delta != "He" {
		t.Fatalf("first event = %+v, want delta He", first)
	}
	if x.State() != api.StateStreaming {
		t.Errorf("State = %s, want streaming", x.State())
	}

	if !o.Cancel(sess.ID) {
		t.Fatal("Cancel = false, want true")
	}
	events := collect(t, x.Events())
	last := events[len(events)-1]
	if last.Type != api.TokenError || last.Error.Kind != api.KindCancelled {
		t.Fatalf("terminal = %+v, want cancelled error", last)
	}
	if last.Text != "He" || !last.Partial {
		t.Errorf("terminal text = %q partial = %v, want He true", last.Text, last.Partial)
	}

	msgs := rec.messages()
	if len(msgs) != 2 {
		t.Fatalf("persisted %d messages, want 2", len(msgs))
	}
	if msgs[1].meta[api.MetaCancelled] != "true" || msgs[1].meta[api.MetaPartial] != "true" {
		t.Errorf("partial metadata = %v", msgs[1].meta)
	}
	if x.State() != api.StateCancelled {
		t.Errorf("State = %s, want cancelled", x.State())
	}
	if o.Cancel(sess.ID) {
		t.Error("Cancel after the end = true, want false")
	}
}

func TestClosePrimaryCancels(t *testing.T) {
	p := &fakeProvider{hang: true}
	rec := &fakeRecorder{}
	o := newTestOrchestrator(t, p, rec, Config{})

	x := begin(t, o, testSession(""), "hi")
	obs := x.Subscribe()
	x.Close()

	events := collect(t, obs.Events())
	if len(events) != 1 || events[0].Error == nil || events[0].Error.Kind != api.KindCancelled {
		t.Fatalf("observer events = %+v, want one cancelled error", events)
	}
	if msgs := rec.messages(); len(msgs) != 1 {
		t.Errorf("persisted %d messages, want only the user message", len(msgs))
	}
}

func TestCallerContextCancels(t *testing.T) {
	p := &fakeProvider{hang: true}
	o := newTestOrchestrator(t, p, &fakeRecorder{}, Config{})

	ctx, cancel := context.WithCancel(context.Background())
	x, err := o.Begin(ctx, &ExchangeRequest{Session: testSession(""), Text: "hi", Stream: true})
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	cancel()

	events := collect(t, x.Events())
	if last := events[len(events)-1]; last.Error == nil || last.Error.Kind != api.KindCancelled {
		t.Errorf("terminal = %+v, want cancelled", last)
	}
}

func TestExchangeTimeout(t *testing.T) {
	p := &fakeProvider{hang: true}
	rec := &fakeRecorder{}
	o := newTestOrchestrator(t, p, rec, Config{ExchangeTimeout: 50 * time.Millisecond})

	x := begin(t, o, testSession(""), "hi")
	events := collect(t, x.Events())
	if len(events) != 1 || events[0].Error == nil || events[0].Error.Kind != api.KindTimeout {
		t.Fatalf("events = %+v, want one timeout error", events)
	}
	if x.State() != api.StateFailed {
		t.Errorf("State = %s, want failed", x.State())
	}
	if n := len(rec.messages()); n != 1 {
		t.Errorf("persisted %d messages, want 1", n)
	}
}

func TestSubscribe(t *testing.T) {
	gate := make(chan struct{})
	p := &fakeProvider{gate: gate, events: append(deltas("a", "b"), provider.Event{Type: provider.EventDone})}
	o := newTestOrchestrator(t, p, &fakeRecorder{}, Config{})

	x := begin(t, o, testSession(""), "hi")
	obs := x.Subscribe()
	close(gate)

	// Both buffers hold the whole exchange, so reading them one after the
	// other does not stall delivery.
	primary := collect(t, x.Events())
	observed := collect(t, obs.Events())

	if len(primary) != 3 || len(observed) != 3 {
		t.Fatalf("primary = %d events, observer = %d, want 3 each", len(primary), len(observed))
	}
	for i := range primary {
		if primary[i].Type != observed[i].Type || primary[i].Delta != observed[i].Delta {
			t.Errorf("event %d differs: %+v vs %+v", i, primary[i], observed[i])
		}
	}

	late := collect(t, x.Subscribe().Events())
	if len(late) != 1 || late[0].Type != api.TokenDone || late[0].Text != "ab" {
		t.Errorf("late subscriber = %+v, want only the done event", late)
	}
}

func TestClosedObserverDoesNotBlock(t *testing.T) {
	p := &fakeProvider{events: append(deltas(strings.Split("abcdefghijklmnopqrstuvwxyz", "")...), provider.Event{Type: provider.EventDone})}
	o := newTestOrchestrator(t, p, &fakeRecorder{}, Config{EventBuffer: 1})

	x := begin(t, o, testSession(""), "hi")
	x.Subscribe().Close()

	events := collect(t, x.Events())
	if last := events[len(events)-1]; last.Text != "abcdefghijklmnopqrstuvwxyz" {
		t.Errorf("terminal text = %q", last.Text)
	}
}

func TestNonStreaming(t *testing.T) {
	p := &fakeProvider{complete: &provider.Response{Text: "Hello", FinishReason: "stop"}}
	rec := &fakeRecorder{}
	o := newTestOrchestrator(t, p, rec, Config{})

	x, err := o.Begin(context.Background(), &ExchangeRequest{Session: testSession(""), Text: "hi"})
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	res, err := x.Wait(context.Background())
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if res.Text != "Hello" || res.FinishReason != "stop" || res.ExchangeID != x.ID() {
		t.Errorf("result = %+v", res)
	}
	if req := p.lastRequest(); req == nil || req.Stream {
		t.Errorf("provider request = %+v, want a non-streaming request", req)
	}
	if msgs := rec.messages(); len(msgs) != 2 || msgs[1].content != "Hello" {
		t.Errorf("persisted = %+v", msgs)
	}
	if x.State() != api.StateCompleted {
		t.Errorf("State = %s, want completed", x.State())
	}
}

func TestNonStreamingFailure(t *testing.T) {
	p := &fakeProvider{completeErr: api.NewBackendStatusError(400, "bad model", "")}
	o := newTestOrchestrator(t, p, &fakeRecorder{}, Config{})

	x, err := o.Begin(context.Background(), &ExchangeRequest{Session: testSession(""), Text: "hi"})
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	res, err := x.Wait(context.Background())
	if !errors.Is(err, api.ErrBackendRejected) {
		t.Fatalf("Wait error = %v, want backend rejected", err)
	}
	if res == nil || res.Error == nil || res.Error.StatusCode != 400 {
		t.Errorf("result = %+v, want the error with status 400", res)
	}
}

func TestRecorderQueuedAddsWarning(t *testing.T) {
	p := &fakeProvider{events: append(deltas("ok"), provider.Event{Type: provider.EventDone})}
	o := newTestOrchestrator(t, p, &fakeRecorder{queued: true}, Config{})

	events := collect(t, begin(t, o, testSession(""), "hi").Events())
	last := events[len(events)-1]
	if last.Type != api.TokenDone {
		t.Fatalf("terminal = %+v, want done", last)
	}
	if len(last.Warnings) != 1 || last.Warnings[0] != WarningStoreUnavailable {
		t.Errorf("Warnings = %v, want [%s]", last.Warnings, WarningStoreUnavailable)
	}
}

func TestRecorderErrorFailsBegin(t *testing.T) {
	p := &fakeProvider{}
	o := newTestOrchestrator(t, p, &fakeRecorder{err: api.NewSessionNotFoundError("x")}, Config{})
	sess := testSession("")

	_, err := o.Begin(context.Background(), &ExchangeRequest{Session: sess, Text: "hi", Stream: true})
	if !errors.Is(err, api.ErrSessionNotFound) {
		t.Fatalf("Begin error = %v, want session not found", err)
	}
	if _, ok := o.Active(sess.ID); ok {
		t.Error("session still reserved after a failed Begin")
	}
	if p.lastRequest() != nil {
		t.Error("backend was called after the user message failed to persist")
	}
}

func TestBegin_ComposesPromptAndParams(t *testing.T) {
	p := &fakeProvider{events: []provider.Event{{Type: provider.EventDone}}}
	rec := &fakeRecorder{}
	maxTokens, temp := 2048, 0.7
	o := newTestOrchestrator(t, p, rec, Config{DefaultParams: api.GenerationParams{MaxTokens: &maxTokens, Temperature: &temp}})

	history := []api.Message{
		{Role: api.RoleUser, Content: "earlier", Order: 1},
		{Role: api.RoleAssistant, Content: "answer", Order: 2},
	}
	topP := 0.9
	x, err := o.Begin(context.Background(), &ExchangeRequest{
		Session:   testSession(""),
		History:   history,
		Text:      "why?",
		Reasoning: api.ReasoningBrief,
		Params:    api.GenerationParams{TopP: &topP},
		Stream:    true,
	})
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	collect(t, x.Events())

	req := p.lastRequest()
	if len(req.Messages) != 3 {
		t.Fatalf("messages = %d, want 3", len(req.Messages))
	}
	if req.Messages[0].Content != "earlier" {
		t.Errorf("history altered: %q", req.Messages[0].Content)
	}
	if want := prompt.Template(api.ReasoningBrief) + "why?"; req.Messages[2].Content != want {
		t.Errorf("last message = %q, want %q", req.Messages[2].Content, want)
	}
	if req.Model != "qwen" || req.Reasoning != api.ReasoningBrief {
		t.Errorf("request model = %q reasoning = %q", req.Model, req.Reasoning)
	}
	if req.Params.MaxTokens == nil || *req.Params.MaxTokens != 2048 || *req.Params.TopP != 0.9 {
		t.Errorf("params = %+v, want defaults merged with top_p", req.Params)
	}

	if msgs := rec.messages(); msgs[0].content != "why?" || msgs[0].meta[api.MetaReasoningMode] != "brief" {
		t.Errorf("user message = %+v, want the raw text", msgs[0])
	}
}

func TestBegin_Validation(t *testing.T) {
	o := newTestOrchestrator(t, &fakeProvider{}, &fakeRecorder{}, Config{})
	bad := -1

	tests := []struct {
		name string
		req  *ExchangeRequest
		kind api.ErrorKind
	}{
		{"no session", &ExchangeRequest{Text: "hi"}, api.KindInvalidRequest},
		{"empty text", &ExchangeRequest{Session: testSession(""), Text: "  "}, api.KindInvalidRequest},
		{"bad mode", &ExchangeRequest{Session: testSession(""), Text: "hi", Reasoning: "loud"}, api.KindInvalidRequest},
		{"bad params", &ExchangeRequest{Session: testSession(""), Text: "hi", Params: api.GenerationParams{MaxTokens: &bad}}, api.KindInvalidRequest},
		{"unconfigured backend", &ExchangeRequest{Session: testSession(api.BackendVendorAPI), Text: "hi"}, api.KindInvalidRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := o.Begin(context.Background(), tt.req)
			if got := api.KindOf(err); got != tt.kind {
				t.Errorf("kind = %q, want %q (err %v)", got, tt.kind, err)
			}
		})
	}
}

func TestShutdown(t *testing.T) {
	p := &fakeProvider{hang: true}
	o := newTestOrchestrator(t, p, &fakeRecorder{}, Config{})

	x := begin(t, o, testSession(""), "hi")
	obs := x.Subscribe()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := o.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	events := collect(t, obs.Events())
	if last := events[len(events)-1]; last.Error == nil || last.Error.Kind != api.KindCancelled {
		t.Errorf("terminal = %+v, want cancelled", last)
	}

	if _, err := o.Begin(context.Background(), &ExchangeRequest{Session: testSession(""), Text: "hi"}); err == nil {
		t.Error("Begin after Shutdown succeeded")
	}
}
