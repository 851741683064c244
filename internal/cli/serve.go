package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ppiankov/dataguard/internal/config"
	"github.com/ppiankov/dataguard/internal/metrics"
	"github.com/ppiankov/dataguard/internal/model"
	"github.com/ppiankov/dataguard/internal/ratelimit"
	"github.com/ppiankov/dataguard/internal/server"
)

var (
	serveListen      string
	servePolicy      string
	serveMetricsAddr string
	serveAuditLog    string
	serveAuditDB     string
	serveNoWatch     bool
)

// expiryInterval is how often pending approvals are checked against the TTL.
const expiryInterval = time.Minute

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveListen, "listen", "", "gRPC listen address (overrides config)")
	serveCmd.Flags().StringVar(&servePolicy, "policy", "", "Path to policy YAML (overrides config)")
	serveCmd.Flags().StringVar(&serveMetricsAddr, "metrics-addr", "", "Address for /metrics and /healthz (overrides config)")
	serveCmd.Flags().StringVar(&serveAuditLog, "audit-log", "", "Path to audit log JSONL file (overrides config)")
	serveCmd.Flags().StringVar(&serveAuditDB, "audit-db", "", "Path to SQLite audit database (overrides config)")
	serveCmd.Flags().BoolVar(&serveNoWatch, "no-watch", false, "Disable policy hot-reload")
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start gRPC policy server",
	Long: "Runs dataguard as a central policy server over gRPC.\n" +
		"Agents connect as clients for remote evaluation. The policy file is\n" +
		"hot-reloaded; an invalid edit is logged and the previous policy stays active.",
	RunE: runServe,
}

func applyServeFlags(cfg *config.Config) {
	if serveListen != "" {
		cfg.Listen = serveListen
	}
	if servePolicy != "" {
		cfg.PolicyPath = servePolicy
	}
	if serveMetricsAddr != "" {
		cfg.MetricsAddr = serveMetricsAddr
	}
	if serveAuditLog != "" {
		cfg.Audit.LogPath = serveAuditLog
	}
	if serveAuditDB != "" {
		cfg.Audit.SQLitePath = serveAuditDB
	}
	if serveNoWatch {
		cfg.WatchPolicy = false
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	applyServeFlags(&cfg)

	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer logger.Sync()

	reg := prometheus.NewRegistry()
	rec := metrics.NewRecorder(reg)

	st, err := buildStack(cfg, logger, rec)
	if err != nil {
		return err
	}
	defer st.Close()

	keys, err := cfg.Keys()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	limiter, err := newLimiter(ctx, cfg.RateLimit)
	if err != nil {
		return err
	}

	srv, err := server.New(server.Config{
		Engine:  st.engine,
		APIKeys: keys,
		Limiter: limiter,
		Metrics: rec,
		Logger:  logger.Named("grpc"),
	})
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	if cfg.WatchPolicy {
		reloader, err := server.NewReloader(st.engine, st.policyPath, logger.Named("reload"))
		if err != nil {
			logger.Warn("hot-reload disabled", zap.Error(err))
		} else {
			go reloader.Run(ctx)
		}
	}

	if cfg.MetricsAddr != "" {
		go func() {
			if err := srv.ServeHTTP(ctx, cfg.MetricsAddr, reg); err != nil {
				logger.Error("metrics listener failed", zap.Error(err))
			}
		}()
	}

	go srv.ExpireApprovals(ctx, cfg.Approvals.TTL, cfg.Approvals.Retention, expiryInterval, func(expired []model.Decision) {
		if st.dispatcher != nil {
			st.dispatcher.NotifyExpired(expired)
		}
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		fmt.Fprintln(os.Stderr, "\nShutting down policy server...")
		cancel()
		srv.GracefulStop()
	}()

	spec := st.engine.ActivePolicy()
	fmt.Fprintf(os.Stderr, "dataguard policy server listening on %s\n", cfg.Listen)
	fmt.Fprintf(os.Stderr, "Policy: %s v%d (%s)\n", spec.PolicyID, spec.Version, st.policyPath)
	if len(keys) == 0 {
		fmt.Fprintln(os.Stderr, "warning: no api_keys configured, authentication disabled")
	}
	fmt.Fprintln(os.Stderr)

	return srv.Serve(cfg.Listen)
}

// newLimiter builds the configured rate limiter, dialing redis if needed.
func newLimiter(ctx context.Context, cfg config.RateLimit) (ratelimit.Limiter, error) {
	if cfg.Backend != ratelimit.BackendRedis || !cfg.Limit().Enabled() {
		return ratelimit.New(cfg.Backend, cfg.Limit(), nil, cfg.KeyPrefix)
	}
	client, err := ratelimit.DialRedis(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		return nil, fmt.Errorf("rate limit redis: %w", err)
	}
	return ratelimit.New(cfg.Backend, cfg.Limit(), ratelimit.NewRedisAdapter(client), cfg.KeyPrefix)
}
