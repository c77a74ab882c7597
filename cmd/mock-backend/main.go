// Command mock-backend runs a deterministic model server that speaks the
// raw-generate dialect (/api/generate, /api/tags) and the OpenAI-compatible
// dialect (/v1/chat/completions, /v1/models). Replies echo the last user
// turn word by word.
//
// Faults are injected per request with the X-Mock-Fault header or the
// fault query parameter:
//
//	drop:K     end the stream after K tokens without a terminal frame
//	status:N   answer with HTTP status N
//	malformed  interleave unparseable frames
//	stall      send one token, then go silent until the client leaves
//
// Configuration:
//
//	MOCK_PORT        - Listen port (default: 9090)
//	MOCK_TOKEN_DELAY - Pause between streamed tokens (default: 0)
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
)

func main() {
	port := flag.String("port", envOr("MOCK_PORT", "9090"), "listen port")
	delay := flag.Duration("token-delay", envDuration("MOCK_TOKEN_DELAY"), "pause between streamed tokens")
	flag.Parse()

	m := newMock(*delay)
	srv := &http.Server{
		Addr:              ":" + *port,
		Handler:           m.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		slog.Info("mock backend starting", "port", *port, "token_delay", *delay)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("mock backend failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	slog.Info("mock backend shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	srv.Shutdown(shutdownCtx)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envDuration(key string) time.Duration {
	d, _ := time.ParseDuration(os.Getenv(key))
	return d
}
