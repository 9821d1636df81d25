// Command mockgpu runs OpenAI-compatible mock backends for local failover
// drills without a GPU or provider credentials.
//
// Two servers are started:
//
//	primary  :19001  stands in for the self-hosted GPU endpoint
//	fallback :19002  stands in for an OpenAI-compatible hosted provider
//
// Point the gateway at them with
//
//	PRIMARY_URL=http://localhost:19001/v1
//	FALLBACK_MODELS=openrouter/mock-fallback OPENROUTER_API_KEY=x
//	OPENROUTER_BASE_URL=http://localhost:19002/v1
//
// The failure mode of each server is switched at runtime:
//
//	curl -X POST 'localhost:19001/mock/mode?set=down'
//
// Modes: ok, down (503), error (500), ratelimit (429), slow (sleeps past
// the client timeout), broken (drops the stream after the first chunk).
//
// Environment overrides:
//
//	PORT_PRIMARY, PORT_FALLBACK
//	MOCK_LATENCY_MS   - artificial latency added to every response (default 0)
//	MOCK_STREAM_WORDS - words in each response (default 10)
//	MOCK_SLOW_SECONDS - sleep used by the slow mode (default 120)
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"
)

// Config holds runtime configuration shared by both servers.
type Config struct {
	Latency     time.Duration
	StreamWords int
	SlowFor     time.Duration
}

func loadConfig() Config {
	c := Config{StreamWords: 10, SlowFor: 120 * time.Second}

	if v := os.Getenv("MOCK_LATENCY_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			c.Latency = time.Duration(n) * time.Millisecond
		}
	}
	if v := os.Getenv("MOCK_STREAM_WORDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.StreamWords = n
		}
	}
	if v := os.Getenv("MOCK_SLOW_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.SlowFor = time.Duration(n) * time.Second
		}
	}
	return c
}

func portFromEnv(key string, defaultPort int) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return strconv.Itoa(defaultPort)
}

func startServer(name, addr string, h http.Handler, log *slog.Logger) *http.Server {
	srv := &http.Server{
		Addr:        addr,
		Handler:     h,
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 120 * time.Second,
	}
	go func() {
		log.Info("mock backend listening", slog.String("backend", name), slog.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", slog.String("backend", name), slog.String("error", err.Error()))
		}
	}()
	return srv
}

func main() {
	log := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	cfg := loadConfig()

	log.Info("starting mock backends",
		slog.Duration("latency", cfg.Latency),
		slog.Int("stream_words", cfg.StreamWords),
	)

	servers := []*http.Server{
		startServer("primary", ":"+portFromEnv("PORT_PRIMARY", 19001), newBackend("mock-gpu", cfg, log), log),
		startServer("fallback", ":"+portFromEnv("PORT_FALLBACK", 19002), newBackend("mock-fallback", cfg, log), log),
	}

	fmt.Println("READY")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down mock backends")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	for _, srv := range servers {
		wg.Add(1)
		go func(s *http.Server) {
			defer wg.Done()
			_ = s.Shutdown(ctx)
		}(srv)
	}
	wg.Wait()
	log.Info("mock backends stopped")
}
