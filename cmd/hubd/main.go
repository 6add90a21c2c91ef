package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"

	"github.com/nordeim/Sparkle-Community-Hub-sub003/internal/auth"
	"github.com/nordeim/Sparkle-Community-Hub-sub003/internal/bridge"
	"github.com/nordeim/Sparkle-Community-Hub-sub003/internal/config"
	"github.com/nordeim/Sparkle-Community-Hub-sub003/internal/hub"
	"github.com/nordeim/Sparkle-Community-Hub-sub003/internal/otelhelper"
	"github.com/nordeim/Sparkle-Community-Hub-sub003/internal/presence"
)

func setupLogger() *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	var handler slog.Handler
	if strings.ToLower(os.Getenv("LOG_FORMAT")) == "text" {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

func checkOrigin(allowed []string) func(r *http.Request) bool {
	set := make(map[string]bool, len(allowed))
	for _, origin := range allowed {
		if origin = strings.TrimSpace(origin); origin != "" {
			set[origin] = true
		}
	}
	if len(set) == 0 {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		return set[r.Header.Get("Origin")]
	}
}

func main() {
	_ = godotenv.Load()
	log := setupLogger()
	ctx := context.Background()

	otelShutdown, err := otelhelper.Init(ctx)
	if err != nil {
		log.Error("failed to initialize OpenTelemetry", "error", err)
		os.Exit(1)
	}
	defer otelShutdown(ctx)

	cfg, err := config.Load()
	if err != nil {
		log.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	log.Info("starting hub", "instance", cfg.InstanceID, "addr", cfg.ListenAddr, "nats", cfg.NATSURL)

	var resolver auth.Resolver
	if cfg.JWKSURL != "" {
		jwks, err := auth.NewJWKSResolver(cfg.JWKSURL, cfg.JWTIssuer)
		if err != nil {
			log.Error("failed to load JWKS", "url", cfg.JWKSURL, "error", err)
			os.Exit(1)
		}
		defer jwks.Close()
		resolver = jwks
	} else {
		log.Warn("JWKS_URL not set, all connections will be rejected")
	}

	createKVBuckets := func(js nats.JetStreamContext) error {
		buckets := []*nats.KeyValueConfig{
			{Bucket: "PRESENCE", History: 1, Storage: nats.MemoryStorage},
			{Bucket: "PRESENCE_CONN", History: 1, TTL: cfg.ConnTTL, Storage: nats.MemoryStorage},
			{Bucket: "TYPING", History: 1, TTL: cfg.TypingTTL + 2*time.Second, Storage: nats.MemoryStorage},
			{Bucket: "VIEWERS", History: 1, TTL: 2 * cfg.SweepInterval, Storage: nats.MemoryStorage},
		}
		for _, bucket := range buckets {
			if _, err := js.CreateKeyValue(bucket); err != nil {
				return err
			}
		}
		return nil
	}

	var (
		tracker             *presence.Tracker
		watcherMu           sync.Mutex
		cancelPresenceWatch context.CancelFunc
	)
	restartPresenceWatch := func() {
		watcherMu.Lock()
		defer watcherMu.Unlock()
		if cancelPresenceWatch != nil {
			cancelPresenceWatch()
		}
		watchCtx, cancel := context.WithCancel(context.Background())
		cancelPresenceWatch = cancel
		go tracker.Watch(watchCtx)
	}

	natsOpts := []nats.Option{
		nats.Name("hubd-" + cfg.InstanceID),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn("NATS disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("NATS reconnected, recreating KV buckets and resetting presence mirror")
			js, jsErr := nc.JetStream()
			if jsErr != nil {
				log.Error("failed to get JetStream after reconnect", "error", jsErr)
				return
			}
			if kvErr := createKVBuckets(js); kvErr != nil {
				log.Error("failed to recreate KV buckets after reconnect", "error", kvErr)
				return
			}
			if tracker != nil {
				tracker.Reset()
				restartPresenceWatch()
				log.Info("presence mirror reset, watcher restarted")
			}
		}),
	}
	if cfg.NATSUser != "" {
		natsOpts = append(natsOpts, nats.UserInfo(cfg.NATSUser, cfg.NATSPass))
	}

	var nc *nats.Conn
	for attempt := 1; attempt <= 30; attempt++ {
		nc, err = nats.Connect(cfg.NATSURL, natsOpts...)
		if err == nil {
			break
		}
		log.Info("waiting for NATS", "attempt", attempt, "error", err)
		time.Sleep(2 * time.Second)
	}
	if err != nil {
		log.Error("failed to connect to NATS", "error", err)
		os.Exit(1)
	}
	defer nc.Close()
	log.Info("connected to NATS", "url", nc.ConnectedUrl())

	js, err := nc.JetStream()
	if err != nil {
		log.Error("failed to create JetStream context", "error", err)
		os.Exit(1)
	}
	if err := createKVBuckets(js); err != nil {
		log.Error("failed to create KV buckets", "error", err)
		os.Exit(1)
	}
	log.Info("NATS KV buckets ready", "buckets", "PRESENCE, PRESENCE_CONN, TYPING, VIEWERS")

	// A failed bind leaves the handle nil: the owning component degrades to
	// local-only operation, so the process starts anyway.
	bindKV := func(name string) nats.KeyValue {
		kv, err := js.KeyValue(name)
		if err != nil {
			log.Error("failed to bind KV bucket, feature degrades to local-only", "bucket", name, "error", err)
			return nil
		}
		return kv
	}
	statusKV := bindKV("PRESENCE")
	connKV := bindKV("PRESENCE_CONN")
	typingKV := bindKV("TYPING")
	viewersKV := bindKV("VIEWERS")

	// The hub, presence tracker, and bridge form a cycle: transitions and
	// remote broadcasts flow back into the hub. Late binding through h
	// breaks the construction cycle.
	var h *hub.Hub

	tracker = presence.New(statusKV, connKV, cfg.PresenceTTL,
		func(userID string, online bool, lastSeen time.Time) {
			if h != nil {
				h.PresenceTransition(userID, online, lastSeen)
			}
		}, log)

	br := bridge.New(nc, cfg.InstanceID,
		func(room, event string, payload json.RawMessage) {
			if h != nil {
				h.HandleRemote(room, event, payload)
			}
		}, otel.Meter("sparkle-hub"), log)

	h = hub.New(hub.Options{
		InstanceID:     cfg.InstanceID,
		Resolver:       resolver,
		Bridge:         br,
		Presence:       tracker,
		TypingKV:       typingKV,
		ViewersKV:      viewersKV,
		TypingTTL:      cfg.TypingTTL,
		SweepInterval:  cfg.SweepInterval,
		SendBufferSize: cfg.SendBufferSize,
		MaxMessageSize: cfg.MaxMessageSize,
		CheckOrigin:    checkOrigin(cfg.AllowedOrigins),
		Logger:         log,
	})

	if err := br.Start(); err != nil {
		log.Error("failed to start bridge", "error", err)
		os.Exit(1)
	}

	runCtx, stopRun := context.WithCancel(ctx)
	defer stopRun()
	h.Start(runCtx)
	restartPresenceWatch()

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", h.ServeWS)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		if !nc.IsConnected() {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"status":"degraded","nats":false}`))
			return
		}
		w.Write([]byte(`{"status":"ok"}`))
	})
	mux.HandleFunc("/stats", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"instanceId":  cfg.InstanceID,
			"connections": h.ConnectionCount(),
			"rooms":       h.RoomCount(),
			"online":      len(tracker.Online()),
			"degraded":    br.Degraded(),
		})
	})

	server := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 0, // websocket writes manage their own deadlines
	}
	go func() {
		log.Info("hub listening", "addr", cfg.ListenAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("http server failed", "error", err)
			os.Exit(1)
		}
	}()

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-sigCtx.Done()

	log.Info("shutting down hub")
	stopRun()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	server.Shutdown(shutdownCtx)
	if err := h.Shutdown(shutdownCtx); err != nil {
		log.Warn("connections did not drain in time", "error", err)
	}
	nc.Drain()
	log.Info("hub shutdown complete")
}
