package daemon

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/allaspectsdev/llmrelay/internal/breaker"
	"github.com/allaspectsdev/llmrelay/internal/cache"
	"github.com/allaspectsdev/llmrelay/internal/config"
	"github.com/allaspectsdev/llmrelay/internal/health"
	"github.com/allaspectsdev/llmrelay/internal/manager"
	"github.com/allaspectsdev/llmrelay/internal/provider"
	"github.com/allaspectsdev/llmrelay/internal/ratelimit"
	"github.com/allaspectsdev/llmrelay/internal/store"
	"github.com/allaspectsdev/llmrelay/internal/strategy"
	"github.com/allaspectsdev/llmrelay/internal/tokenizer"
	"github.com/allaspectsdev/llmrelay/internal/vault"
)

// CredentialResolver turns a credential reference into a secret.
type CredentialResolver interface {
	Resolve(ref string) (string, error)
}

// setupLogger points the global logger at <dataDir>/llmrelay.log, plus the
// console when running in the foreground. The returned closer owns the file.
func setupLogger(dataDir, level string, foreground bool) (io.Closer, error) {
	zerolog.SetGlobalLevel(parseLogLevel(level))

	logPath := filepath.Join(dataDir, "llmrelay.log")
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening log file %s: %w", logPath, err)
	}

	writers := []io.Writer{logFile}
	if foreground {
		writers = append(writers, zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: "15:04:05",
		})
	}

	multi := zerolog.MultiLevelWriter(writers...)
	log.Logger = zerolog.New(multi).With().Timestamp().Str("service", "llmrelay").Logger()
	return logFile, nil
}

// newChecker builds the health checker over a bounded TTL cache.
// A nil history disables persistence of health transitions.
func newChecker(cfg *config.Config, history health.History) (*health.Checker, *cache.TTL[health.Entry], error) {
	size := cfg.Health.CacheSize
	if size <= 0 {
		size = config.DefaultHealthCacheSize
	}
	hc, err := cache.New[health.Entry](size)
	if err != nil {
		return nil, nil, fmt.Errorf("creating health cache: %w", err)
	}

	opts := []health.Option{
		health.WithTTL(time.Duration(cfg.Health.TTLSeconds) * time.Second),
		health.WithSlowThreshold(time.Duration(cfg.Health.SlowThresholdMs) * time.Millisecond),
		health.WithBackoff(time.Duration(cfg.Health.BackoffSeconds) * time.Second),
		health.WithLogger(log.With().Str("component", "health").Logger()),
	}
	if history != nil {
		opts = append(opts, health.WithHistory(history))
	}
	return health.NewChecker(hc, opts...), hc, nil
}

// newManager builds the provider manager from the routing and resilience
// sections. st may be nil when persistence is off.
func newManager(cfg *config.Config, checker *health.Checker, st *store.Store, observer manager.Observer) (*manager.Manager, error) {
	strat, err := strategy.Parse(cfg.Routing.Strategy)
	if err != nil {
		return nil, err
	}

	opts := []manager.Option{
		manager.WithStrategy(strat),
		manager.WithBreakers(breaker.NewRegistry(breaker.Settings{
			FailureThreshold: cfg.Resilience.CBFailureThreshold,
			RecoveryTimeout:  time.Duration(cfg.Resilience.CBRecoveryTimeoutSec) * time.Second,
			SuccessThreshold: cfg.Resilience.CBSuccessThreshold,
		})),
		manager.WithRateLimits(ratelimit.NewRegistry()),
		manager.WithTokenizer(tokenizer.New()),
		manager.WithRetryPolicy(manager.RetryPolicy{
			BaseDelay: time.Duration(cfg.Resilience.RetryBaseDelayMs) * time.Millisecond,
			MaxDelay:  time.Duration(cfg.Resilience.RetryMaxDelayMs) * time.Millisecond,
		}),
		manager.WithLogger(log.With().Str("component", "manager").Logger()),
	}
	if observer != nil {
		opts = append(opts, manager.WithObserver(observer))
	}
	// A nil *store.Store must not become a non-nil Recorder.
	if st != nil {
		opts = append(opts, manager.WithRecorder(st))
	}
	return manager.New(checker, opts...), nil
}

// registerProviders resolves each provider's credential and registers an
// HTTP client for it. Providers whose credential cannot be resolved are
// skipped with a warning. It returns the names that were registered.
func registerProviders(mgr *manager.Manager, cfg *config.Config, creds CredentialResolver) []string {
	transport := provider.NewSharedTransport()
	var registered []string

	for _, pc := range cfg.ProviderConfigs() {
		apiKey := ""
		if pc.CredentialRef != "" {
			key, err := creds.Resolve(pc.CredentialRef)
			if err != nil {
				log.Warn().Err(err).Str("provider", pc.Name).Msg("no credential, provider skipped")
				continue
			}
			apiKey = key
		}

		client, err := provider.NewHTTPClient(pc, apiKey, transport)
		if err != nil {
			log.Warn().Err(err).Str("provider", pc.Name).Msg("building client failed, provider skipped")
			continue
		}
		if err := mgr.Register(pc, client); err != nil {
			log.Warn().Err(err).Str("provider", pc.Name).Msg("registration failed, provider skipped")
			continue
		}
		registered = append(registered, pc.Name)
	}
	return registered
}

// applyReload pushes hot-reloadable settings into the running manager:
// provider enabled flags and priorities, the strategy, and the log level.
// Anything else in the changed sections needs a restart.
func applyReload(mgr *manager.Manager, old, cfg *config.Config) {
	changed := config.ChangedSections(old, cfg)
	if len(changed) == 0 {
		return
	}
	log.Info().Strs("sections", changed).Msg("config reloaded")

	if old.Server.LogLevel != cfg.Server.LogLevel {
		zerolog.SetGlobalLevel(parseLogLevel(cfg.Server.LogLevel))
		log.Info().Str("level", cfg.Server.LogLevel).Msg("log level changed")
	}

	if old.Routing.Strategy != cfg.Routing.Strategy {
		strat, err := strategy.Parse(cfg.Routing.Strategy)
		if err != nil {
			log.Warn().Err(err).Msg("ignoring invalid strategy")
		} else {
			mgr.SetStrategy(strat)
		}
	}

	for name, pc := range cfg.Providers {
		if _, ok := mgr.Provider(name); !ok {
			if _, existed := old.Providers[name]; !existed {
				log.Warn().Str("provider", name).Msg("new provider requires a restart")
			}
			continue
		}
		if err := mgr.SetEnabled(name, pc.Enabled); err != nil {
			log.Warn().Err(err).Str("provider", name).Msg("reload: set enabled")
		}
		if err := mgr.SetPriority(name, pc.Priority); err != nil {
			log.Warn().Err(err).Str("provider", name).Msg("reload: set priority")
		}
	}
	for name := range old.Providers {
		if _, ok := cfg.Providers[name]; ok {
			continue
		}
		// Removed from the file: stop routing to it until restart.
		if err := mgr.SetEnabled(name, false); err == nil {
			log.Info().Str("provider", name).Msg("provider removed from config, disabled")
		}
	}

	for _, section := range changed {
		switch section {
		case "server":
			a, b := old.Server, cfg.Server
			a.LogLevel, b.LogLevel = "", ""
			if !reflect.DeepEqual(a, b) {
				log.Warn().Str("section", section).Msg("change takes effect after restart")
			}
		case "auth", "health", "resilience", "rate_limit", "tracing", "metrics":
			log.Warn().Str("section", section).Msg("change takes effect after restart")
		}
	}
}

// runPruner periodically deletes persisted rows older than retentionDays.
func runPruner(ctx context.Context, st *store.Store, retentionDays int, interval time.Duration) {
	if retentionDays <= 0 || interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pruneOnce(ctx, st, retentionDays)
		}
	}
}

func pruneOnce(ctx context.Context, st *store.Store, retentionDays int) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("data pruner: recovered from panic")
		}
	}()
	n, err := st.Prune(ctx, retentionDays)
	if err != nil {
		log.Error().Err(err).Msg("data pruning failed")
	} else if n > 0 {
		log.Info().Int64("rows", n).Int("retention_days", retentionDays).Msg("pruned old data")
	}
}

// parseLogLevel converts a string log level to a zerolog.Level.
func parseLogLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "fatal":
		return zerolog.FatalLevel
	default:
		return zerolog.InfoLevel
	}
}

// expandHome replaces a leading ~ with the user's home directory.
func expandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}

var _ CredentialResolver = (*vault.Vault)(nil)
