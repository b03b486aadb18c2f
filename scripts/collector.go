package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"github.com/gorilla/websocket"

	"github.com/harunnryd/shadowstack/pkg/collector"
	"github.com/harunnryd/shadowstack/pkg/config"
	"github.com/harunnryd/shadowstack/pkg/logging"
)

// logSink prints a one-line summary per accepted batch.
type logSink struct {
	log *slog.Logger
}

func (s logSink) HandleBatch(_ context.Context, sub collector.Submission) error {
	kinds := map[string]int{}
	for _, ev := range sub.Payload.Events {
		kinds[string(ev.Type)]++
	}
	s.log.Info("batch_received",
		"project_id", sub.Payload.ProjectID,
		"batch_id", sub.BatchID,
		"events", len(sub.Payload.Events),
		"by_kind", kinds)
	return nil
}

func main() {
	configPath := flag.String("config", "examples/demo/config.yaml", "")
	addr := flag.String("addr", "", "override collector.listen_addr")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Println("config error:", err)
		os.Exit(1)
	}
	log := logging.InitLogger(cfg.LogLevel, cfg.LogFormat)
	if *addr == "" {
		*addr = cfg.Collector.ListenAddr
	}

	validate := collector.AllowAll
	if keys := cfg.Collector.APIKeys; len(keys) > 0 {
		validate = func(key, _ string) bool { return slices.Contains(keys, key) }
	}
	opts := []collector.Option{
		collector.WithKeyValidator(validate),
		collector.WithLogger(logging.NewComponentLogger(log, "collector")),
		collector.WithMaxBody(int64(cfg.Collector.MaxBodyKB) << 10),
	}
	sink := logSink{log: log}

	httpHandler := collector.NewHandler(sink, opts...)
	wsHandler := collector.NewWebSocketHandler(sink, opts...)
	mux := http.NewServeMux()
	// The websocket transport dials the same path as the HTTP one.
	mux.HandleFunc("/v1/track", func(w http.ResponseWriter, r *http.Request) {
		if websocket.IsWebSocketUpgrade(r) {
			wsHandler.ServeHTTP(w, r)
			return
		}
		httpHandler.ServeHTTP(w, r)
	})
	srv := &http.Server{Addr: *addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info("collector_listening", "addr", *addr, "path", "/v1/track")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error("collector_failed", "error", err)
		os.Exit(1)
	}
}
