// Package main provides the comms daemon binary: client transports,
// channel dispatch, the optional broker bridge, and the ops API.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/cory-johannsen/comms/internal/comms"
	"github.com/cory-johannsen/comms/internal/comms/bus"
	"github.com/cory-johannsen/comms/internal/comms/dispatch"
	"github.com/cory-johannsen/comms/internal/comms/janitor"
	"github.com/cory-johannsen/comms/internal/comms/pending"
	"github.com/cory-johannsen/comms/internal/comms/ratelimit"
	"github.com/cory-johannsen/comms/internal/comms/registry"
	"github.com/cory-johannsen/comms/internal/comms/router"
	"github.com/cory-johannsen/comms/internal/config"
	"github.com/cory-johannsen/comms/internal/directory"
	"github.com/cory-johannsen/comms/internal/observability"
	"github.com/cory-johannsen/comms/internal/ops"
	"github.com/cory-johannsen/comms/internal/server"
	"github.com/cory-johannsen/comms/internal/transport/sse"
	"github.com/cory-johannsen/comms/internal/transport/ws"
)

// delivererFunc lets the bridge be constructed before the dispatcher it
// delivers into.
type delivererFunc func(comms.Message)

func (f delivererFunc) DeliverRemote(m comms.Message) { f(m) }

func main() {
	start := time.Now()

	configPath := flag.String("config", "configs/dev.yaml", "path to configuration file")
	channelsDir := flag.String("channels", "", "path to channel policy YAML directory; overrides config")
	minLevel := flag.Int("global-min-level", 1, "minimum level for global channel eligibility")
	flag.Parse()

	ctx := context.Background()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	logger, err := observability.NewLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("initializing logger: %v", err)
	}
	defer logger.Sync()

	logger.Info("starting comms daemon",
		zap.String("transport_addr", cfg.Server.Addr()),
		zap.String("ops_addr", cfg.Ops.Addr()),
		zap.Bool("broker", cfg.Broker.Enabled()),
	)

	// Channel policy catalog
	dir := cfg.Comms.ChannelsDir
	if *channelsDir != "" {
		dir = *channelsDir
	}
	catalog := router.DefaultCatalog()
	if dir != "" {
		catStart := time.Now()
		catalog, err = router.LoadCatalogFromDir(dir)
		if err != nil {
			logger.Fatal("loading channel catalog", zap.Error(err))
		}
		logger.Info("channel catalog loaded",
			zap.String("dir", dir),
			zap.Duration("elapsed", time.Since(catStart)),
		)
	}

	// Core components
	reg := registry.New(
		observability.ComponentLogger(logger, "registry"),
		registry.WithOutboxSize(cfg.Comms.OutboxSize),
	)
	worldDir := directory.New(*minLevel)
	rt := router.New(worldDir, worldDir, reg)
	limiter := ratelimit.New(catalog.RatePolicies())
	buf := pending.New(cfg.Comms.MaxPending)

	// Broker bridge (optional)
	var (
		bridge    *bus.Bridge
		dispatchr *dispatch.Dispatcher
	)
	if cfg.Broker.Enabled() {
		nc, err := nats.Connect(cfg.Broker.URL,
			nats.MaxReconnects(-1),
			nats.ReconnectWait(2*time.Second),
		)
		if err != nil {
			logger.Fatal("connecting to broker", zap.String("url", cfg.Broker.URL), zap.Error(err))
		}
		nodeID := uuid.NewString()
		deliver := delivererFunc(func(m comms.Message) { dispatchr.DeliverRemote(m) })
		bridge = bus.New(bus.WrapConn(nc), deliver, nodeID,
			observability.ComponentLogger(logger, "bus"),
			bus.WithRetryRate(cfg.Broker.RetryPerSec, cfg.Broker.RetryBurst),
			bus.WithRetryQueueCap(cfg.Broker.RetryQueueCap),
		)
		logger.Info("broker connected",
			zap.String("url", cfg.Broker.URL),
			zap.String("node_id", nodeID),
		)
	}

	dispatchOpts := []dispatch.Option{}
	if bridge != nil {
		dispatchOpts = append(dispatchOpts, dispatch.WithPublisher(bridge))
	}
	dispatchr = dispatch.New(reg, rt, limiter, buf, worldDir, catalog,
		cfg.Comms.ReconnectWindow,
		observability.ComponentLogger(logger, "dispatch"),
		dispatchOpts...,
	)

	// Presence flows from the registry to co-located identities and, when
	// bridged, to the broker subject subscriptions.
	reg.SetPresenceHandler(func(evt registry.PresenceEvent) {
		dispatchr.HandlePresence(evt)
		if bridge == nil {
			return
		}
		switch evt.Kind {
		case registry.PresenceEntered:
			bridge.TrackConnect(evt.Identity)
			if loc, ok := worldDir.CurrentLocation(evt.Identity); ok {
				bridge.UpdateLocation(evt.Identity, loc)
			}
		case registry.PresenceLeft:
			bridge.TrackDisconnect(evt.Identity)
		}
	})
	worldDir.SetChangeListener(func(id comms.Identity, loc comms.LocationKey) {
		if bridge != nil {
			bridge.UpdateLocation(id, loc)
		}
	})

	jan := janitor.New(janitor.Config{
		Interval:           cfg.Janitor.Interval,
		MaxConnAge:         cfg.Janitor.MaxConnAge,
		IdleCutoff:         cfg.Janitor.IdleCutoff,
		OfflineRetention:   cfg.Janitor.OfflineRetention,
		MaxPending:         cfg.Comms.MaxPending,
		HeapThresholdBytes: cfg.Janitor.HeapThresholdBytes,
	}, reg, buf, limiter, observability.ComponentLogger(logger, "janitor"))

	// Transports
	wsHandler := ws.NewHandler(cfg.Server, reg, dispatchr, rt,
		observability.ComponentLogger(logger, "ws"))
	sseHandler := sse.NewHandler(reg, dispatchr,
		observability.ComponentLogger(logger, "sse"))
	transportMux := mux.NewRouter()
	transportMux.Handle("/ws", wsHandler)
	transportMux.Handle("/events", sseHandler)
	transportServer := &http.Server{
		Addr:    cfg.Server.Addr(),
		Handler: transportMux,
	}

	opsAPI := ops.NewAPI(reg, buf, limiter, jan, bridge,
		observability.ComponentLogger(logger, "ops"))
	opsServer := &http.Server{
		Addr:    cfg.Ops.Addr(),
		Handler: opsAPI.Router(),
	}

	// Wire lifecycle
	lifecycle := server.NewLifecycle(logger)

	if bridge != nil {
		lifecycle.Add("bridge", bridge)
	}
	lifecycle.Add("janitor", jan)
	lifecycle.Add("transport", httpService(transportServer, logger))
	lifecycle.Add("ops", httpService(opsServer, logger))

	logger.Info("comms daemon initialized",
		zap.Duration("startup", time.Since(start)),
	)

	if err := lifecycle.Run(ctx); err != nil {
		logger.Fatal("server error", zap.Error(err))
	}
}

// httpService adapts an http.Server to the lifecycle Service convention.
func httpService(srv *http.Server, logger *zap.Logger) server.Service {
	return &server.FuncService{
		StartFn: func() error {
			logger.Info("http server listening", zap.String("addr", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
		StopFn: func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Warn("http server shutdown", zap.String("addr", srv.Addr), zap.Error(err))
			}
		},
	}
}
