package main

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rhuss/chatrelay/pkg/api"
	"github.com/rhuss/chatrelay/pkg/provider"
	"github.com/rhuss/chatrelay/pkg/provider/generate"
	"github.com/rhuss/chatrelay/pkg/provider/openaicompat"
)

// startMock serves the mock with every request carrying fault.
func startMock(t *testing.T, fault string) string {
	t.Helper()
	routes := newMock(0).routes()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fault != "" {
			r.Header.Set("X-Mock-Fault", fault)
		}
		routes.ServeHTTP(w, r)
	}))
	t.Cleanup(srv.Close)
	return srv.URL
}

func newAdapters(t *testing.T, baseURL string, malformed int) []provider.Provider {
	t.Helper()
	gen, err := generate.New(generate.Config{BaseURL: baseURL, ReadTimeout: 200 * time.Millisecond, MaxMalformedFrames: malformed})
	if err != nil {
		t.Fatal(err)
	}
	oc, err := openaicompat.New(openaicompat.Config{BaseURL: baseURL, ReadTimeout: 200 * time.Millisecond, MaxMalformedFrames: malformed})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { gen.Close(); oc.Close() })
	return []provider.Provider{gen, oc}
}

func chatRequest(text string) *provider.Request {
	return &provider.Request{
		Model:    "mock-llama",
		Messages: []api.ChatMessage{{Role: api.RoleUser, Content: text}},
		Stream:   true,
	}
}

// collect drains a stream into its text and terminal event.
func collect(t *testing.T, ch <-chan provider.Event) (string, provider.Event) {
	t.Helper()
	var sb strings.Builder
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				t.Fatal("stream closed without terminal event")
			}
			switch ev.Type {
			case provider.EventDelta:
				sb.WriteString(ev.Delta)
			default:
				return sb.String(), ev
			}
		case <-timeout:
			t.Fatal("stream did not finish")
		}
	}
}

func TestParseFault(t *testing.T) {
	tests := []struct {
		header  string
		want    fault
		wantErr bool
	}{
		{"", fault{}, false},
		{"drop:2", fault{kind: faultDrop, n: 2}, false},
		{"status:503", fault{kind: faultStatus, n: 503}, false},
		{"malformed", fault{kind: faultMalformed}, false},
		{"stall", fault{kind: faultStall}, false},
		{"drop:x", fault{}, true},
		{"status:42", fault{}, true},
		{"explode", fault{}, true},
	}
	for _, tt := range tests {
		r := httptest.NewRequest("POST", "/api/generate", nil)
		if tt.header != "" {
			r.Header.Set("X-Mock-Fault", tt.header)
		}
		got, err := parseFault(r)
		if (err != nil) != tt.wantErr {
			t.Errorf("parseFault(%q) err = %v, wantErr %v", tt.header, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("parseFault(%q) = %+v, want %+v", tt.header, got, tt.want)
		}
	}
}

func TestParseFaultQuery(t *testing.T) {
	r := httptest.NewRequest("POST", "/v1/chat/completions?fault=drop:1", nil)
	got, err := parseFault(r)
	if err != nil || got.kind != faultDrop || got.n != 1 {
		t.Errorf("parseFault = %+v, %v", got, err)
	}

	r.Header.Set("X-Mock-Fault", "malformed")
	if got, _ := parseFault(r); got.kind != faultMalformed {
		t.Errorf("header should win over query, got %+v", got)
	}
}

func TestReply(t *testing.T) {
	if got := strings.Join(reply("hello there"), ""); got != "Echo: hello there" {
		t.Errorf("reply = %q", got)
	}
	if got := strings.Join(reply("Please count from 1 to 5"), ""); got != "1, 2, 3, 4, 5" {
		t.Errorf("count reply = %q", got)
	}
	if got := lastUserLine("System: be brief\nUser: one\nAssistant: Echo: one\nUser: two"); got != "two" {
		t.Errorf("lastUserLine = %q, want two", got)
	}
}

func TestStreamsBothDialects(t *testing.T) {
	for _, p := range newAdapters(t, startMock(t, ""), 0) {
		t.Run(string(p.Backend()), func(t *testing.T) {
			ch, err := p.Stream(context.Background(), chatRequest("hi there"))
			if err != nil {
				t.Fatalf("Stream: %v", err)
			}
			text, last := collect(t, ch)
			if last.Type != provider.EventDone {
				t.Fatalf("terminal = %v (%v), want done", last.Type, last.Err)
			}
			if text != "Echo: hi there" {
				t.Errorf("text = %q", text)
			}
			if last.Usage == nil || last.Usage.CompletionTokens != 3 {
				t.Errorf("usage = %+v, want 3 completion tokens", last.Usage)
			}
		})
	}
}

func TestCompleteBothDialects(t *testing.T) {
	for _, p := range newAdapters(t, startMock(t, ""), 0) {
		t.Run(string(p.Backend()), func(t *testing.T) {
			req := chatRequest("count from 1 to 5")
			req.Stream = false
			resp, err := p.Complete(context.Background(), req)
			if err != nil {
				t.Fatalf("Complete: %v", err)
			}
			if resp.Text != "1, 2, 3, 4, 5" || resp.FinishReason != "stop" {
				t.Errorf("resp = %+v", resp)
			}
		})
	}
}

func TestListModelsBothDialects(t *testing.T) {
	for _, p := range newAdapters(t, startMock(t, ""), 0) {
		t.Run(string(p.Backend()), func(t *testing.T) {
			models, err := p.ListModels(context.Background())
			if err != nil {
				t.Fatalf("ListModels: %v", err)
			}
			if len(models) != len(mockModels) || models[0].ID != "mock-llama" {
				t.Errorf("models = %+v", models)
			}
		})
	}
}

func TestDropFault(t *testing.T) {
	for _, p := range newAdapters(t, startMock(t, "drop:2"), 0) {
		t.Run(string(p.Backend()), func(t *testing.T) {
			ch, err := p.Stream(context.Background(), chatRequest("a b c d"))
			if err != nil {
				t.Fatalf("Stream: %v", err)
			}
			text, last := collect(t, ch)
			if last.Type != provider.EventError || last.Err.Kind != api.KindStreamInterrupted {
				t.Fatalf("terminal = %v %v, want stream_interrupted", last.Type, last.Err)
			}
			if text != "Echo: a" {
				t.Errorf("partial text = %q, want first two tokens", text)
			}
		})
	}
}

func TestStatusFaults(t *testing.T) {
	tests := []struct {
		fault string
		want  *api.Error
	}{
		{"status:400", api.ErrBackendRejected},
		{"status:503", api.ErrBackendUnreachable},
	}
	for _, tt := range tests {
		for _, p := range newAdapters(t, startMock(t, tt.fault), 0) {
			t.Run(tt.fault+"/"+string(p.Backend()), func(t *testing.T) {
				_, err := p.Stream(context.Background(), chatRequest("hi"))
				if !errors.Is(err, tt.want) {
					t.Errorf("err = %v, want kind %s", err, tt.want.Kind)
				}
			})
		}
	}
}

func TestMalformedFrames(t *testing.T) {
	t.Run("lenient", func(t *testing.T) {
		for _, p := range newAdapters(t, startMock(t, "malformed"), 0) {
			ch, err := p.Stream(context.Background(), chatRequest("x y"))
			if err != nil {
				t.Fatalf("%s: Stream: %v", p.Backend(), err)
			}
			text, last := collect(t, ch)
			if last.Type != provider.EventDone || text != "Echo: x y" {
				t.Errorf("%s: text = %q terminal = %v, want full text and done", p.Backend(), text, last.Type)
			}
		}
	})
	t.Run("threshold not reached by isolated frames", func(t *testing.T) {
		for _, p := range newAdapters(t, startMock(t, "malformed"), 1) {
			ch, err := p.Stream(context.Background(), chatRequest("x y"))
			if err != nil {
				t.Fatalf("%s: Stream: %v", p.Backend(), err)
			}
			if _, last := collect(t, ch); last.Type != provider.EventDone {
				t.Errorf("%s: terminal = %v (%v), want done", p.Backend(), last.Type, last.Err)
			}
		}
	})
}

func TestStallTripsReadTimeout(t *testing.T) {
	for _, p := range newAdapters(t, startMock(t, "stall"), 0) {
		t.Run(string(p.Backend()), func(t *testing.T) {
			ch, err := p.Stream(context.Background(), chatRequest("slow reply"))
			if err != nil {
				t.Fatalf("Stream: %v", err)
			}
			text, last := collect(t, ch)
			if last.Type != provider.EventError || last.Err.Kind != api.KindStreamInterrupted {
				t.Fatalf("terminal = %v %v, want stream_interrupted", last.Type, last.Err)
			}
			if text != "Echo:" {
				t.Errorf("partial text = %q, want first token", text)
			}
		})
	}
}

func TestStatusFaultOnRawRequest(t *testing.T) {
	srv := httptest.NewServer(newMock(0).routes())
	defer srv.Close()

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/api/generate", strings.NewReader(`{"model":"m","prompt":"User: hi"}`))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("X-Mock-Fault", "status:429")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Errorf("status = %d, want 429", resp.StatusCode)
	}

	resp, err = http.Post(srv.URL+"/api/generate?fault=bogus", "application/json", strings.NewReader(`{"model":"m"}`))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400 for an unknown fault", resp.StatusCode)
	}
}
