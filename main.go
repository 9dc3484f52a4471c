package main

import (
	"bufio"
	"context"
	"database/sql"
	"errors"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	apihttp "github.com/vcsantana/rastreio-new-trac-sub000/internal/api/http"
	"github.com/vcsantana/rastreio-new-trac-sub000/internal/audit"
	"github.com/vcsantana/rastreio-new-trac-sub000/internal/auth"
	commandsapp "github.com/vcsantana/rastreio-new-trac-sub000/internal/commands/application"
	cmdevents "github.com/vcsantana/rastreio-new-trac-sub000/internal/commands/application/events"
	commandsrepo "github.com/vcsantana/rastreio-new-trac-sub000/internal/commands/infrastructure/postgres"
	commandshttp "github.com/vcsantana/rastreio-new-trac-sub000/internal/commands/interfaces/http"
	"github.com/vcsantana/rastreio-new-trac-sub000/internal/config"
	devicesapp "github.com/vcsantana/rastreio-new-trac-sub000/internal/devices/application"
	devicesrepo "github.com/vcsantana/rastreio-new-trac-sub000/internal/devices/infrastructure/postgres"
	"github.com/vcsantana/rastreio-new-trac-sub000/internal/eventing"
	rules "github.com/vcsantana/rastreio-new-trac-sub000/internal/events/application"
	"github.com/vcsantana/rastreio-new-trac-sub000/internal/events/infrastructure/geofence"
	eventsrepo "github.com/vcsantana/rastreio-new-trac-sub000/internal/events/infrastructure/postgres"
	"github.com/vcsantana/rastreio-new-trac-sub000/internal/hub"
	"github.com/vcsantana/rastreio-new-trac-sub000/internal/observability/metrics"
	positionsapp "github.com/vcsantana/rastreio-new-trac-sub000/internal/positions/application"
	posevents "github.com/vcsantana/rastreio-new-trac-sub000/internal/positions/application/events"
	positionsrepo "github.com/vcsantana/rastreio-new-trac-sub000/internal/positions/infrastructure/postgres"
	positionscache "github.com/vcsantana/rastreio-new-trac-sub000/internal/positions/infrastructure/redis"
	"github.com/vcsantana/rastreio-new-trac-sub000/internal/protocol"
	"github.com/vcsantana/rastreio-new-trac-sub000/internal/protocol/osmand"
	"github.com/vcsantana/rastreio-new-trac-sub000/internal/protocol/owntracks"
	"github.com/vcsantana/rastreio-new-trac-sub000/internal/protocol/suntech"
	"github.com/vcsantana/rastreio-new-trac-sub000/internal/server"

	redis "github.com/go-redis/redis/v8"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	_ = godotenv.Load()
	cfg := loadConfig()
	logger := log.New(os.Stdout, "", log.LstdFlags)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := sql.Open("pgx", cfg.DatabaseURL)
	if err != nil {
		logger.Fatalf("db open error: %v", err)
	}
	defer db.Close()
	if err := db.Ping(); err != nil {
		logger.Fatalf("db ping error: %v", err)
	}

	metrics.Init()

	deviceRepo := devicesrepo.NewDeviceRepository(db)
	unknownRepo := devicesrepo.NewUnknownDeviceRepository(db)
	positionRepo := positionsrepo.NewPositionRepository(db)
	eventRepo := eventsrepo.NewEventRepository(db)
	commandRepo := commandsrepo.NewCommandRepository(db)

	geofenceIndex, err := geofence.NewIndex(db, logger)
	if err != nil {
		logger.Fatalf("geofence index error: %v", err)
	}
	if err := geofenceIndex.Reload(ctx); err != nil {
		logger.Printf("geofence index initial load: %v", err)
	}
	go geofenceIndex.Run(ctx, cfg.GeofenceReload)

	bus := eventing.NewInMemoryBus()

	resolver, err := devicesapp.NewResolver(deviceRepo, unknownRepo)
	if err != nil {
		logger.Fatalf("resolver error: %v", err)
	}
	engine := rules.NewEngine(geofenceIndex)

	pipelineOpts := []positionsapp.PipelineOption{}
	var latestCache *positionscache.LatestCache
	if cfg.RedisAddr != "" {
		redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Fatalf("redis ping error: %v", err)
		}
		defer redisClient.Close()
		latestCache, err = positionscache.NewLatestCache(redisClient, cfg.LatestTTL)
		if err != nil {
			logger.Fatalf("latest cache error: %v", err)
		}
		pipelineOpts = append(pipelineOpts, positionsapp.WithLatestCache(latestCache))
	}

	pipeline, err := positionsapp.NewPipeline(resolver, positionRepo, deviceRepo, eventRepo, engine, bus, logger, pipelineOpts...)
	if err != nil {
		logger.Fatalf("pipeline error: %v", err)
	}

	registry := protocol.NewRegistry()
	for _, codec := range []protocol.Codec{suntech.New(), osmand.New(), owntracks.New()} {
		if err := registry.Register(codec); err != nil {
			logger.Fatalf("codec registry error: %v", err)
		}
	}

	table := server.NewConnectionTable()
	dispatcher, err := commandsapp.NewDispatcher(commandRepo, deviceRepo, registry, table, bus, eventRepo, logger, commandsapp.DispatcherConfig{
		InitialBackoff: cfg.DispatchBackoff,
		AckTimeout:     cfg.AckTimeout,
	})
	if err != nil {
		logger.Fatalf("dispatcher error: %v", err)
	}
	commandService, err := commandsapp.NewService(commandRepo, deviceRepo, dispatcher, bus)
	if err != nil {
		logger.Fatalf("command service error: %v", err)
	}

	listenerCfg, err := config.Load(cfg.ListenersPath)
	if err != nil {
		logger.Fatalf("listener config error: %v", err)
	}
	manager := server.NewManager(logger)
	for _, binding := range listenerCfg.Bindings {
		codec, ok := registry.Get(binding.Protocol)
		if !ok {
			logger.Fatalf("listener config: unknown protocol %q", binding.Protocol)
		}
		addr := ":" + strconv.Itoa(binding.Port)
		var listener server.Listener
		switch binding.Transport {
		case "tcp":
			listener, err = server.NewTCPListener(addr, binding.Port, codec, pipeline, table, dispatcher, logger)
		case "udp":
			listener, err = server.NewUDPListener(addr, binding.Port, codec, pipeline, table, logger)
		case "http":
			listener, err = server.NewHTTPListener(addr, binding.Port, codec, pipeline, logger)
		case "mqtt":
			listener, err = server.NewMQTTListener(server.MQTTConfig{
				Broker:   binding.Broker,
				ClientID: binding.ClientID,
				Username: binding.Username,
				Password: binding.Password,
				Topic:    binding.Topic,
			}, codec, pipeline, logger)
		}
		if err != nil {
			logger.Fatalf("listener %s error: %v", binding.Protocol, err)
		}
		if err := manager.Add(ctx, listener); err != nil {
			logger.Fatalf("listener %s error: %v", binding.Protocol, err)
		}
	}
	if err := manager.StartAll(ctx); err != nil {
		logger.Printf("listener start: %v", err)
	}

	broadcastHub := hub.NewHub(hub.AllowAll{}, logger)
	go broadcastHub.Run(ctx)
	wireHub(bus, broadcastHub, logger)

	go dispatcher.Run(ctx, cfg.DispatchInterval)
	go func() {
		ticker := time.NewTicker(cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := pipeline.SweepOffline(ctx, cfg.OfflineSilence); err != nil {
					logger.Printf("offline sweep error: %v", err)
				}
			}
		}
	}()

	auditRepo := audit.NewRepository(db)
	commandHandler, err := commandshttp.NewHandler(commandService, auditRepo)
	if err != nil {
		logger.Fatalf("command handler error: %v", err)
	}

	policy := auth.NewDefaultPolicy([]string{"/healthz", "/metrics"}, nil)
	authMiddleware := auth.NewMiddleware([]byte(cfg.JWTSecret), policy)

	mux := http.NewServeMux()
	commandHandler.Register(mux)
	mux.Handle("/api/v1/positions", apihttp.NewPositionsHandler(positionRepo))
	if latestCache != nil {
		mux.Handle("/api/v1/positions/latest", apihttp.NewLatestPositionHandler(latestCache))
	}
	mux.Handle("/api/v1/events", apihttp.NewEventsHandler(eventRepo))
	mux.Handle("/api/v1/devices/unknown", apihttp.NewUnknownDevicesHandler(unknownRepo))
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		broadcastHub.ServeHTTP(w, r, auth.UserIDFromContext(r.Context()))
	})
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/healthz", apihttp.NewHealthHandler(db))

	httpServer := &http.Server{Addr: cfg.HTTPAddr, Handler: loggingMiddleware(authMiddleware.Wrap(mux), logger)}
	go func() {
		logger.Printf("http listening on %s", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("http serve error: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Printf("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := manager.StopAll(shutdownCtx); err != nil {
		logger.Printf("listener stop: %v", err)
	}
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Printf("http shutdown: %v", err)
	}
}

// wireHub forwards pipeline and dispatcher bus events to hub topics.
func wireHub(bus *eventing.InMemoryBus, broadcastHub *hub.Hub, logger *log.Logger) {
	bus.Subscribe(eventing.EventTypeOf[posevents.PositionStored](), func(ctx context.Context, event any) error {
		stored, ok := event.(posevents.PositionStored)
		if !ok {
			return eventing.ErrInvalidEventType
		}
		if stored.DeviceID != 0 {
			broadcastHub.Broadcast(ctx, hub.TopicPositions, stored.DeviceID, stored.Position)
		}
		return nil
	})
	bus.Subscribe(eventing.EventTypeOf[posevents.EventRecorded](), func(ctx context.Context, event any) error {
		recorded, ok := event.(posevents.EventRecorded)
		if !ok {
			return eventing.ErrInvalidEventType
		}
		broadcastHub.Broadcast(ctx, hub.TopicEvents, recorded.Event.DeviceID, recorded.Event)
		return nil
	})
	bus.Subscribe(eventing.EventTypeOf[posevents.DeviceStatusChanged](), func(ctx context.Context, event any) error {
		changed, ok := event.(posevents.DeviceStatusChanged)
		if !ok {
			return eventing.ErrInvalidEventType
		}
		logger.Printf("device %d status %s", changed.DeviceID, changed.Status)
		broadcastHub.Broadcast(ctx, hub.TopicDeviceStatus, changed.DeviceID, changed)
		return nil
	})
	bus.Subscribe(eventing.EventTypeOf[cmdevents.CommandStatusChanged](), func(ctx context.Context, event any) error {
		changed, ok := event.(cmdevents.CommandStatusChanged)
		if !ok {
			return eventing.ErrInvalidEventType
		}
		broadcastHub.Broadcast(ctx, hub.TopicCommandStatus, changed.Command.DeviceID, changed)
		return nil
	})
}

type appConfig struct {
	DatabaseURL      string
	HTTPAddr         string
	RedisAddr        string
	RedisPassword    string
	ListenersPath    string
	JWTSecret        string
	OfflineSilence   time.Duration
	SweepInterval    time.Duration
	DispatchInterval time.Duration
	DispatchBackoff  time.Duration
	AckTimeout       time.Duration
	LatestTTL        time.Duration
	GeofenceReload   time.Duration
}

func loadConfig() appConfig {
	cfg := appConfig{
		DatabaseURL:      getenvDefault("DATABASE_URL", getenvDefault("PG_DSN", "")),
		HTTPAddr:         getenvDefault("HTTP_ADDR", ":8082"),
		RedisAddr:        getenvDefault("REDIS_ADDR", ""),
		RedisPassword:    getenvDefault("REDIS_PASSWORD", ""),
		ListenersPath:    getenvDefault("LISTENERS_CONFIG", "listeners.yml"),
		JWTSecret:        getenvDefault("AUTH_JWT_SECRET", getenvDefault("JWT_SECRET", "")),
		OfflineSilence:   getenvDuration("OFFLINE_SILENCE", 10*time.Minute),
		SweepInterval:    getenvDuration("SWEEP_INTERVAL", time.Minute),
		DispatchInterval: getenvDuration("DISPATCH_INTERVAL", time.Second),
		DispatchBackoff:  getenvDuration("DISPATCH_BACKOFF", 5*time.Second),
		AckTimeout:       getenvDuration("COMMAND_ACK_TIMEOUT", 30*time.Second),
		LatestTTL:        getenvDuration("LATEST_POSITION_TTL", 24*time.Hour),
		GeofenceReload:   getenvDuration("GEOFENCE_RELOAD", time.Minute),
	}
	if cfg.DatabaseURL == "" {
		log.Fatal("DATABASE_URL or PG_DSN is required")
	}
	if cfg.JWTSecret == "" {
		log.Fatal("AUTH_JWT_SECRET is required")
	}
	return cfg
}

func getenvDefault(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func loggingMiddleware(next http.Handler, logger *log.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		resp := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(resp, r)
		logger.Printf("http %s %s %d %s", r.Method, r.URL.Path, resp.status, time.Since(start))
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// Hijack lets websocket upgrades pass through the logging wrapper.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	return hijacker.Hijack()
}
