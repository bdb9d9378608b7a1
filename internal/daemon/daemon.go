package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/allaspectsdev/llmrelay/internal/config"
	"github.com/allaspectsdev/llmrelay/internal/gateway"
	"github.com/allaspectsdev/llmrelay/internal/health"
	"github.com/allaspectsdev/llmrelay/internal/metrics"
	"github.com/allaspectsdev/llmrelay/internal/store"
	"github.com/allaspectsdev/llmrelay/internal/tracing"
	"github.com/allaspectsdev/llmrelay/internal/vault"
	"github.com/allaspectsdev/llmrelay/internal/version"
)

// Run starts the relay: it wires health checking, the provider manager, the
// gateway and admin servers, and blocks until a shutdown signal arrives.
func Run(cfg *config.Config, foreground bool) error {
	dataDir := expandHome(cfg.Server.DataDir)
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("creating data directory %s: %w", dataDir, err)
	}

	logFile, err := setupLogger(dataDir, cfg.Server.LogLevel, foreground)
	if err != nil {
		return err
	}
	defer logFile.Close()

	log.Info().
		Str("version", version.Version).
		Str("data_dir", dataDir).
		Bool("foreground", foreground).
		Msg("llmrelay starting")

	if IsRunning(dataDir) {
		return fmt.Errorf("llmrelay is already running (PID file exists at %s)", pidPath(dataDir))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var st *store.Store
	if cfg.Metrics.Persist {
		dbPath := filepath.Join(dataDir, "llmrelay.db")
		st, err = store.Open(dbPath)
		if err != nil {
			return fmt.Errorf("opening store: %w", err)
		}
		defer st.Close()
		log.Info().Str("db_path", dbPath).Msg("store opened")
	}

	if err := WritePID(dataDir); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer func() {
		if err := RemovePID(dataDir); err != nil {
			log.Error().Err(err).Msg("failed to remove PID file during shutdown")
		}
	}()

	if cfg.Tracing.Enabled {
		shutdownTracing, err := tracing.Init(ctx, tracing.Options{
			ServiceName: cfg.Tracing.ServiceName,
			Version:     version.Version,
			Exporter:    cfg.Tracing.Exporter,
			Endpoint:    cfg.Tracing.Endpoint,
			SampleRate:  cfg.Tracing.SampleRate,
			Insecure:    cfg.Tracing.Insecure,
		})
		if err != nil {
			return fmt.Errorf("initialising tracing: %w", err)
		}
		defer func() {
			flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer flushCancel()
			if err := shutdownTracing(flushCtx); err != nil {
				log.Error().Err(err).Msg("tracing shutdown error")
			}
		}()
		log.Info().Str("exporter", cfg.Tracing.Exporter).Msg("tracing enabled")
	}

	// Health checker and its cache purger.
	var history health.History
	if st != nil {
		history = st
	}
	checker, healthCache, err := newChecker(cfg, history)
	if err != nil {
		return err
	}
	purgeEvery := cfg.Health.PurgeIntervalSeconds
	if purgeEvery <= 0 {
		purgeEvery = config.DefaultHealthPurgeInterval
	}
	purgerDone := healthCache.StartPurger(ctx, time.Duration(purgeEvery)*time.Second)

	// Provider manager.
	collector := metrics.NewCollector()
	mgr, err := newManager(cfg, checker, st, collector)
	if err != nil {
		return err
	}
	registered := registerProviders(mgr, cfg, vault.New())
	if len(registered) == 0 {
		log.Warn().Msg("no providers registered; every request will fail until credentials are configured and the relay restarted")
	}
	checkerDone := checker.Start(ctx, mgr.Targets())

	// Pruner.
	prunerDone := make(chan struct{})
	go func() {
		defer close(prunerDone)
		if st != nil {
			runPruner(ctx, st, cfg.Metrics.RetentionDays, time.Duration(cfg.Metrics.PruneIntervalMinutes)*time.Minute)
		}
	}()

	// Config hot reload.
	if path := config.ConfigFilePath(); path != "" {
		if w, err := config.Watch(path); err != nil {
			log.Warn().Err(err).Msg("config watcher unavailable, hot reload disabled")
		} else {
			w.OnChange(func(old, newCfg *config.Config) { applyReload(mgr, old, newCfg) })
			defer w.Close()
		}
	}

	authToken := ""
	if cfg.Auth.Enabled {
		authToken = cfg.Auth.Token
	}

	gatewayAddr := net.JoinHostPort(cfg.Server.BindAddress, strconv.Itoa(cfg.Server.GatewayPort))
	gatewayServer := gateway.NewServer(
		gateway.NewHandler(mgr, cfg.Server.MaxBodySize),
		gatewayAddr,
		gateway.ServerOptions{
			ReadTimeout:    time.Duration(cfg.Server.ReadTimeout) * time.Second,
			WriteTimeout:   time.Duration(cfg.Server.WriteTimeout) * time.Second,
			IdleTimeout:    time.Duration(cfg.Server.IdleTimeout) * time.Second,
			TracingEnabled: cfg.Tracing.Enabled,
			AuthToken:      authToken,
		},
	)

	adminAddr := net.JoinHostPort(cfg.Server.BindAddress, strconv.Itoa(cfg.Server.AdminPort))
	adminServer := metrics.NewAdminServer(collector, mgr, st, adminAddr,
		metrics.WithAllowedOrigins(cfg.Server.AllowedOrigins...),
		metrics.WithAuthToken(authToken),
	)

	errCh := make(chan error, 2)
	go func() {
		if err := gatewayServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("gateway server: %w", err)
		}
	}()
	go func() {
		if err := adminServer.Start(); err != nil {
			errCh <- err
		}
	}()

	log.Info().
		Str("gateway", gatewayAddr).
		Str("admin", adminAddr).
		Strs("providers", registered).
		Str("strategy", mgr.Strategy()).
		Msg("llmrelay is ready")

	if foreground {
		fmt.Printf("\n  llmrelay is running!\n")
		fmt.Printf("  Gateway: http://%s\n", gatewayAddr)
		fmt.Printf("  Admin:   http://%s\n\n", adminAddr)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("shutdown signal received")
	case runErr = <-errCh:
		log.Error().Err(runErr).Msg("fatal server error")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	log.Info().Msg("shutting down servers...")
	if err := adminServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("admin server shutdown error")
	}
	if err := gatewayServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("gateway server shutdown error")
	}

	// Background goroutines must finish before the store closes.
	cancel()
	<-checkerDone
	<-purgerDone
	<-prunerDone

	log.Info().Msg("llmrelay stopped")
	return runErr
}

// Stop reads the PID file and sends SIGTERM to the running daemon.
func Stop() error {
	dataDir := expandHome(config.Get().Server.DataDir)

	pid, err := ReadPID(dataDir)
	if err != nil {
		return fmt.Errorf("llmrelay does not appear to be running: %w", err)
	}

	if !isProcessAlive(pid) {
		if rmErr := RemovePID(dataDir); rmErr != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to remove stale PID file: %v\n", rmErr)
		}
		return fmt.Errorf("llmrelay is not running (stale PID file removed)")
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("finding process %d: %w", pid, err)
	}
	if err := process.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("sending SIGTERM to process %d: %w", pid, err)
	}

	fmt.Printf("Sent SIGTERM to llmrelay (PID %d)\n", pid)

	for i := 0; i < 30; i++ {
		time.Sleep(100 * time.Millisecond)
		if !isProcessAlive(pid) {
			return nil
		}
	}
	return nil
}

// statsResponse mirrors the admin API's /api/stats payload.
type statsResponse struct {
	Strategy string        `json:"strategy"`
	Requests metrics.Stats `json:"requests"`
}

// Status checks if the daemon is running and prints a summary.
func Status() error {
	cfg := config.Get()
	dataDir := expandHome(cfg.Server.DataDir)

	if !IsRunning(dataDir) {
		fmt.Println("llmrelay is not running")
		return nil
	}

	pid, _ := ReadPID(dataDir)
	fmt.Printf("llmrelay is running (PID %d)\n", pid)

	stats, err := fetchStats(cfg)
	if err != nil {
		fmt.Printf("  (admin API unreachable: %v)\n", err)
		return nil
	}

	fmt.Printf("\n  Uptime:         %s\n", stats.Requests.Uptime)
	fmt.Printf("  Strategy:       %s\n", stats.Strategy)
	fmt.Printf("  Total Requests: %d\n", stats.Requests.TotalRequests)
	fmt.Printf("  Successes:      %d (%.1f%%)\n", stats.Requests.Successes, stats.Requests.SuccessRate)
	fmt.Printf("  Failures:       %d\n", stats.Requests.Failures)
	fmt.Printf("  Tokens:         %d\n", stats.Requests.TotalTokens)
	fmt.Printf("  Cost:           $%.4f\n", stats.Requests.CostUSD)
	fmt.Printf("  Active:         %d\n", stats.Requests.ActiveRequests)
	return nil
}

func fetchStats(cfg *config.Config) (*statsResponse, error) {
	host := cfg.Server.BindAddress
	if host == "" || host == "0.0.0.0" {
		host = "127.0.0.1"
	}
	url := fmt.Sprintf("http://%s/api/stats", net.JoinHostPort(host, strconv.Itoa(cfg.Server.AdminPort)))

	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	if cfg.Auth.Enabled {
		req.Header.Set("Authorization", "Bearer "+cfg.Auth.Token)
	}

	client := &http.Client{Timeout: 3 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("admin API returned %s", resp.Status)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	var stats statsResponse
	if err := json.Unmarshal(body, &stats); err != nil {
		return nil, fmt.Errorf("decoding stats: %w", err)
	}
	return &stats, nil
}
