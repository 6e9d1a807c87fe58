package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"regexp"
	"strings"
	"syscall"
	"time"

	"github.com/opennhrp/nhrpd/internal/audit"
	"github.com/opennhrp/nhrpd/internal/config"
	"github.com/opennhrp/nhrpd/internal/db"
	nhrphttp "github.com/opennhrp/nhrpd/internal/http"
	"github.com/opennhrp/nhrpd/internal/events"
	"github.com/opennhrp/nhrpd/internal/kafka"
	"github.com/opennhrp/nhrpd/internal/kernel"
	"github.com/opennhrp/nhrpd/internal/loop"
	"github.com/opennhrp/nhrpd/internal/maintenance"
	"github.com/opennhrp/nhrpd/internal/metrics"
	"github.com/opennhrp/nhrpd/internal/packet"
	"github.com/opennhrp/nhrpd/internal/peer"
	"github.com/opennhrp/nhrpd/internal/pending"
	"github.com/opennhrp/nhrpd/internal/script"
	"github.com/opennhrp/nhrpd/internal/server"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		runServe()
	case "migrate":
		runMigrate()
	case "maintenance":
		runMaintenance()
	case "dump-cache":
		runDumpCache()
	case "--help", "-h", "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: nhrpd <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve         Start the NHRP daemon")
	fmt.Println("  migrate       Run database migrations")
	fmt.Println("  maintenance   Run partition maintenance (create new, drop old)")
	fmt.Println("  dump-cache    Insert one static peer into an in-memory cache and print it")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  --config <path>   Path to configuration YAML file")
	fmt.Println("  --log-level <lvl> Override log level (debug, info, warn, error)")
}

func parseFlags(args []string) (configPath string, logLevel string) {
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config":
			if i+1 < len(args) {
				configPath = args[i+1]
				i++
			}
		case "--log-level":
			if i+1 < len(args) {
				logLevel = args[i+1]
				i++
			}
		}
	}
	return
}

func loadConfig(args []string) (*config.Config, *zap.Logger) {
	configPath, logLevelOverride := parseFlags(args)

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	if logLevelOverride != "" {
		cfg.Service.LogLevel = logLevelOverride
	}

	logger := initLogger(cfg.Service.LogLevel)
	return cfg, logger
}

func initLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zap.DebugLevel
	case "warn":
		zapLevel = zap.WarnLevel
	case "error":
		zapLevel = zap.ErrorLevel
	default:
		zapLevel = zap.InfoLevel
	}

	zapCfg := zap.NewProductionConfig()
	zapCfg.Level = zap.NewAtomicLevelAt(zapLevel)
	zapCfg.EncoderConfig.TimeKey = "ts"
	zapCfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := zapCfg.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing logger: %v\n", err)
		os.Exit(1)
	}
	return logger
}

// migrationsDir returns the path to the migrations directory relative to the binary.
func migrationsDir() string {
	exe, err := os.Executable()
	if err != nil {
		return "migrations"
	}
	return filepath.Join(filepath.Dir(exe), "migrations")
}

// scriptPaths implements server.ScriptPaths from the static configuration:
// every interface shares the same configured peer-register script, since
// spec scope has no per-interface override.
type scriptPaths struct {
	cfg *config.Config
}

func (s scriptPaths) PeerRegisterScript(iface *peer.Interface) string {
	return s.cfg.Scripts.PeerRegisterPath
}

func buildInterfaces(cfg *config.Config, log *zap.Logger) map[string]*peer.Interface {
	out := make(map[string]*peer.Interface, len(cfg.Interfaces))
	for name, meta := range cfg.Interfaces {
		out[name] = &peer.Interface{
			Name:        name,
			HoldingTime: time.Duration(meta.HoldingTimeSeconds) * time.Second,
		}
		log.Info("configured NHRP interface",
			zap.String("interface", name),
			zap.Int("holding_time_seconds", meta.HoldingTimeSeconds),
		)
	}
	return out
}

func runServe() {
	cfg, logger := loadConfig(os.Args[2:])
	defer logger.Sync()

	metrics.Register()

	logger.Info("starting nhrpd",
		zap.String("instance_id", cfg.Service.InstanceID),
		zap.String("http_listen", cfg.Service.HTTPListen),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Connect to database.
	pool, err := db.NewPool(ctx, cfg.Postgres.DSN, cfg.Postgres.MaxConns, cfg.Postgres.MinConns)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer pool.Close()

	// Ensure partitions exist on startup.
	pm := maintenance.NewPartitionManager(pool, cfg.Retention.Days, cfg.Retention.Timezone, logger)
	if err := pm.CreatePartitions(ctx); err != nil {
		logger.Fatal("failed to create partitions on startup", zap.Error(err))
	}

	// Build TLS and SASL from config.
	tlsCfg, err := cfg.Kafka.BuildTLSConfig()
	if err != nil {
		logger.Fatal("failed to build TLS config", zap.Error(err))
	}
	saslMech := cfg.Kafka.BuildSASLMechanism()

	// --- Event bus, Audit Sink, Event Publisher ---
	bus := events.NewBus(func(reason string) {
		logger.Warn("lifecycle event dropped", zap.String("reason", reason))
	})

	auditCh := make(chan events.Event, cfg.Audit.ChannelBufferSize)
	bus.Subscribe(auditCh)

	auditWriter := audit.NewWriter(pool, logger.Named("audit.writer"), cfg.Audit.StoreRaw, cfg.Audit.CompressRaw)
	auditPipeline := audit.NewPipeline(auditWriter, cfg.Audit.BatchSize, cfg.Audit.FlushIntervalMs, logger.Named("audit.pipeline"))
	go auditPipeline.Run(ctx, auditCh)

	publisher, err := kafka.NewPublisher(cfg.Kafka.Brokers, cfg.Kafka.Events.Topic, cfg.Kafka.ClientID, tlsCfg, saslMech, logger.Named("kafka.publisher"))
	if err != nil {
		logger.Fatal("failed to create kafka publisher", zap.Error(err))
	}
	defer publisher.Close()

	publishCh := make(chan events.Event, cfg.Audit.ChannelBufferSize)
	bus.Subscribe(publishCh)
	go publisher.Run(ctx, publishCh)

	// --- Core: event loop, peer cache, pending table, script runner, server ---
	lp := loop.New(logger.Named("loop"))

	cacheEvents := make(chan peer.LifecycleEvent, 256)
	cache := peer.NewCache(logger.Named("cache"), cacheEvents)
	go func() {
		for ev := range cacheEvents {
			bus.Publish(events.FromCacheEvent(cfg.Service.InstanceID, ev))
		}
	}()

	ifaces := buildInterfaces(cfg, logger)
	_ = ifaces // built and logged only; no component below takes the interface map

	tbl := pending.NewTable()
	runner := script.NewRunner(logger.Named("script"), time.Duration(cfg.Scripts.TimeoutSeconds)*time.Second)
	codec := packet.NewMemCodec()
	router := kernel.Noop{}

	srv := server.New(logger.Named("server"), cache, tbl, runner, codec, router, lp, bus, scriptPaths{cfg: cfg}, cfg.Service.InstanceID)
	_ = srv

	// --- HTTP server ---
	httpServer := nhrphttp.NewServer(cfg.Service.HTTPListen, pool, publisher, logger.Named("http"))
	if err := httpServer.Start(); err != nil {
		logger.Fatal("failed to start HTTP server", zap.Error(err))
	}

	// Wire shutdown signals onto the event loop rather than a separate
	// select, matching the daemon's single-dispatch-point design.
	lp.Notify(cancel, syscall.SIGTERM, syscall.SIGINT)

	logger.Info("all components started")

	loopErr := make(chan error, 1)
	go func() { loopErr <- lp.Run(ctx) }()

	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownTimeout := time.Duration(cfg.Service.ShutdownTimeoutSeconds) * time.Second
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	select {
	case <-loopErr:
	case <-shutdownCtx.Done():
		logger.Warn("shutdown timeout reached before loop exited")
	}

	close(cacheEvents)
	logger.Info("nhrpd stopped")
}

func runMigrate() {
	cfg, logger := loadConfig(os.Args[2:])
	defer logger.Sync()

	logger.Info("running migrations",
		zap.String("dsn", redactDSN(cfg.Postgres.DSN)),
	)

	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.Postgres.DSN, cfg.Postgres.MaxConns, cfg.Postgres.MinConns)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer pool.Close()

	if err := db.RunMigrations(ctx, pool, migrationsDir(), logger); err != nil {
		logger.Fatal("migration failed", zap.Error(err))
	}

	logger.Info("migrations complete")
}

func runMaintenance() {
	cfg, logger := loadConfig(os.Args[2:])
	defer logger.Sync()

	logger.Info("running partition maintenance",
		zap.Int("retention_days", cfg.Retention.Days),
		zap.String("timezone", cfg.Retention.Timezone),
	)

	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.Postgres.DSN, cfg.Postgres.MaxConns, cfg.Postgres.MinConns)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer pool.Close()

	pm := maintenance.NewPartitionManager(pool, cfg.Retention.Days, cfg.Retention.Timezone, logger)
	if err := pm.Run(ctx); err != nil {
		logger.Fatal("maintenance failed", zap.Error(err))
	}

	logger.Info("partition maintenance complete")
}

// runDumpCache inserts one static peer into an in-memory cache and prints
// the cache's route entries, with no network, database, or Kafka
// dependency — useful for sanity-checking the cache in a dev environment.
func runDumpCache() {
	logger := initLogger("info")
	defer logger.Sync()

	cache := peer.NewCache(logger.Named("cache"), nil)
	iface := &peer.Interface{Name: "tun0", HoldingTime: 2 * time.Hour}

	p := peer.NewPeer(iface)
	p.Type = peer.Static
	p.ProtocolAddress = peer.Address{AFNum: 1, Bytes: []byte{10, 0, 0, 1}}
	p.PrefixLength = 32
	p.NextHopAddress = peer.Address{AFNum: 1, Bytes: []byte{203, 0, 113, 1}}
	cache.Insert(p)

	fmt.Printf("cache has %d peer(s)\n", cache.Len())
	cache.Foreach(peer.Selector{Flags: peer.FindRoute}, func(p *peer.Peer) {
		fmt.Printf("  %s/%d via %s\n", p.ProtocolAddress.String(), p.PrefixLength, p.NextHopAddress.String())
	})
}

func redactDSN(dsn string) string {
	if !strings.Contains(dsn, "://") {
		re := regexp.MustCompile(`password\s*=\s*\S+`)
		return re.ReplaceAllString(dsn, "password=***")
	}
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}
