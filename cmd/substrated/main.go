// Package main provides the substrate daemon.
//
// The daemon hosts the full event loop: the dispatch engine consuming the
// command topics, the lifecycle, feedback, and decision-monitor handlers, the
// background evaluator plumbing, and the read-side query API.
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"

	_ "github.com/lib/pq" // PostgreSQL driver
	"golang.org/x/time/rate"

	"github.com/onex-io/substrate/internal/aliasing"
	"github.com/onex-io/substrate/internal/api"
	"github.com/onex-io/substrate/internal/api/middleware"
	"github.com/onex-io/substrate/internal/bus"
	"github.com/onex-io/substrate/internal/config"
	"github.com/onex-io/substrate/internal/decision/monitor"
	"github.com/onex-io/substrate/internal/dispatch"
	"github.com/onex-io/substrate/internal/event"
	"github.com/onex-io/substrate/internal/feedback"
	"github.com/onex-io/substrate/internal/lifecycle"
	"github.com/onex-io/substrate/internal/node"
	"github.com/onex-io/substrate/internal/store"
)

// Version information.
const (
	version = "1.0.0-dev"
	name    = "substrated"
)

func main() {
	versionFlag := flag.Bool("version", false, "show version information")
	flag.Parse()

	if *versionFlag {
		log.Printf("%s v%s\n", name, version)
		os.Exit(0)
	}

	serverConfig := api.LoadServerConfig()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: serverConfig.LogLevel,
	}))

	logger.Info("Starting substrate daemon",
		slog.String("service", name),
		slog.String("version", version),
	)

	// Storage layer.
	storeConfig := store.LoadConfig()

	conn, err := store.NewConnection(storeConfig)
	if err != nil {
		logger.Error("Failed to connect to database", slog.String("error", err.Error()))
		os.Exit(1)
	}

	defer func() {
		_ = conn.Close()
	}()

	thresholds := lifecycle.LoadThresholds(lifecycle.DefaultThresholdsFile, logger)

	patterns, err := store.NewPatternStore(conn, thresholds, logger)
	if err != nil {
		fatal(logger, conn, "Failed to create pattern store", err)
	}

	operators, err := store.NewOperatorKeyStore(conn, logger)
	if err != nil {
		fatal(logger, conn, "Failed to create operator key store", err)
	}

	decisions, err := store.NewDecisionStore(conn, logger)
	if err != nil {
		fatal(logger, conn, "Failed to create decision store", err)
	}

	idempotency, err := store.NewIdempotencyStore(conn, storeConfig, logger)
	if err != nil {
		fatal(logger, conn, "Failed to create idempotency store", err)
	}

	idempotency.StartCleanup()
	defer idempotency.StopCleanup()

	// Topic registry is frozen before any handler can reach it: the topic
	// catalog is fixed for the lifetime of the process.
	registry := event.NewDefaultRegistry(config.GetEnvStr("SUBSTRATE_ENV", "dev"))
	registry.Freeze()

	// Event bus.
	busConfig := bus.LoadConfig()

	publisher, err := bus.NewKafkaPublisher(busConfig, registry, logger)
	if err != nil {
		fatal(logger, conn, "Failed to create publisher", err)
	}

	defer func() {
		_ = publisher.Close()
	}()

	// Domain alias rules are optional; a missing or malformed config file
	// degrades to passthrough labels.
	aliasConfig, err := aliasing.LoadConfigFromEnv()
	if err != nil {
		fatal(logger, conn, "Failed to load domain alias config", err)
	}

	aliases := aliasing.NewResolver(aliasConfig)

	logger.Info("Domain alias resolver initialized",
		slog.Int("rules", aliases.AliasCount()),
	)

	// Handlers. The alert registry couples the decision monitor to the
	// lifecycle gates: a raised alert blocks promotion until it expires.
	emitter := lifecycle.NewEmitter(publisher, registry)
	alerts := monitor.NewAlertRegistry(config.GetEnvDuration("ANTI_GAMING_ALERT_TTL", monitor.DefaultAlertTTL))
	evaluator := lifecycle.NewEvaluator(patterns, alerts, emitter, thresholds, logger)
	lifecycleHandler := lifecycle.NewHandler(patterns, operators, alerts, emitter, aliases, logger)

	heuristic := config.GetEnvStr("FEEDBACK_ATTRIBUTION_HEURISTIC", feedback.HeuristicEqualSplit)

	feedbackHandler, err := feedback.NewHandler(patterns, evaluator, publisher, registry, heuristic, logger)
	if err != nil {
		fatal(logger, conn, "Failed to create feedback handler", err)
	}

	signalLimiter := rate.NewLimiter(
		rate.Limit(config.GetEnvFloat64("MISMATCH_SIGNAL_RATE", 1.0)),
		config.GetEnvInt("MISMATCH_SIGNAL_BURST", 5),
	)
	monitorHandler := monitor.NewHandler(decisions, patterns, alerts, emitter, publisher, registry, signalLimiter, logger)

	// Node contracts. Every consumer the engine runs must hold a declared,
	// validated contract against the frozen topic catalog.
	table := node.NewTable()

	contracts := []node.Contract{
		{
			Name:       "lifecycle-director",
			Kind:       node.KindEffect,
			Subscribes: []string{event.TopicPatternStore},
			Publishes: []string{
				event.TopicPatternStored,
				event.TopicPatternPromoted,
				event.TopicPatternDemoted,
				event.TopicPatternLifecycleTransitioned,
			},
			Handler: lifecycleHandler,
		},
		{
			Name:       "feedback-accountant",
			Kind:       node.KindEffect,
			Subscribes: []string{event.TopicSessionOutcome},
			Publishes: []string{
				event.TopicPatternMetricsUpdated,
				event.TopicPatternPromoted,
				event.TopicPatternDemoted,
				event.TopicPatternLifecycleTransitioned,
			},
			Handler: feedbackHandler,
		},
		{
			Name:       "decision-monitor",
			Kind:       node.KindEffect,
			Subscribes: []string{event.TopicDecisionRecorded},
			Publishes: []string{
				event.TopicDecisionMismatchDetected,
				event.TopicPatternDemoted,
				event.TopicPatternLifecycleTransitioned,
			},
			Handler: monitorHandler,
		},
		{Name: "lifecycle-gates", Kind: node.KindCompute},
		{Name: "outcome-window", Kind: node.KindReducer},
	}

	for _, contract := range contracts {
		if err := table.Register(contract); err != nil {
			fatal(logger, conn, "Failed to register node contract", err)
		}
	}

	table.Freeze()

	subscriptions, err := table.Subscriptions(registry)
	if err != nil {
		fatal(logger, conn, "Node contract validation failed", err)
	}

	// Dispatch engine.
	consumers := func(topic event.Topic, subscription string) (bus.Consumer, error) {
		return bus.NewKafkaConsumer(busConfig, topic, subscription, logger)
	}

	engine := dispatch.NewEngine(consumers, publisher, idempotency, logger)

	for _, sub := range subscriptions {
		if err := engine.Register(sub); err != nil {
			fatal(logger, conn, "Failed to register subscription", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := engine.Start(ctx); err != nil {
		fatal(logger, conn, "Failed to start dispatch engine", err)
	}

	defer engine.Stop()

	logger.Info("Dispatch engine started",
		slog.Int("subscriptions", len(subscriptions)),
		slog.String("heuristic", heuristic),
	)

	// Query API. Server.Start blocks until SIGINT/SIGTERM, then the deferred
	// engine and store shutdowns run.
	rateLimitConfig := middleware.LoadRateLimitConfig()
	rateLimiter := middleware.NewInMemoryRateLimiter(rateLimitConfig)

	logger.Info("Rate limiter initialized",
		slog.Int("global_rps", rateLimitConfig.GlobalRPS),
		slog.Int("client_rps", rateLimitConfig.ClientRPS),
		slog.Int("max_clients", rateLimitConfig.MaxClients),
	)

	server := api.NewServer(serverConfig, conn, patterns, decisions, rateLimiter)

	if err := server.Start(); err != nil {
		logger.Error("Server failed to start", slog.String("error", err.Error()))
		cancel()
		engine.Stop()
		os.Exit(1)
	}

	logger.Info("Substrate daemon stopped")
}

// fatal logs, closes the connection, and exits. Used before the deferred
// cleanups are all in place.
func fatal(logger *slog.Logger, conn *store.Connection, msg string, err error) {
	logger.Error(msg, slog.String("error", err.Error()))

	_ = conn.Close()

	//nolint:gocritic // Explicit cleanup before os.Exit is intentional (defer won't run)
	os.Exit(1)
}
