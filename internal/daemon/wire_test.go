package daemon

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/allaspectsdev/llmrelay/internal/config"
	"github.com/allaspectsdev/llmrelay/internal/manager"
	"github.com/allaspectsdev/llmrelay/internal/testutil"
)

type mapResolver map[string]string

func (m mapResolver) Resolve(ref string) (string, error) {
	if v, ok := m[ref]; ok {
		return v, nil
	}
	return "", fmt.Errorf("no credential for %s", ref)
}

func newTestManager(t *testing.T, cfg *config.Config) *manager.Manager {
	t.Helper()
	checker, _, err := newChecker(cfg, nil)
	if err != nil {
		t.Fatalf("newChecker: %v", err)
	}
	mgr, err := newManager(cfg, checker, nil, nil)
	if err != nil {
		t.Fatalf("newManager: %v", err)
	}
	return mgr
}

func TestRegisterProviders_SkipsMissingCredentials(t *testing.T) {
	cfg := testutil.NewTestConfig(t)
	mgr := newTestManager(t, cfg)

	got := registerProviders(mgr, cfg, mapResolver{
		"keyring://llmrelay/anthropic": "sk-ant-test",
	})
	if !slices.Equal(got, []string{"anthropic"}) {
		t.Fatalf("registered = %v, want [anthropic]", got)
	}
	if _, ok := mgr.Provider("openai"); ok {
		t.Error("openai registered without a credential")
	}
}

func TestRegisterProviders_EmptyRefNeedsNoCredential(t *testing.T) {
	cfg := testutil.NewTestConfig(t)
	cfg.Providers = map[string]config.ProviderConfig{
		"local": {
			Type:     "openai",
			Endpoint: "http://127.0.0.1:11434",
			Models:   []string{"llama3"},
			Enabled:  true,
			Priority: 1,
		},
	}
	mgr := newTestManager(t, cfg)

	got := registerProviders(mgr, cfg, mapResolver{})
	if !slices.Equal(got, []string{"local"}) {
		t.Fatalf("registered = %v, want [local]", got)
	}
	if !slices.Equal(mgr.Models(), []string{"llama3"}) {
		t.Errorf("Models() = %v", mgr.Models())
	}
	if targets := mgr.Targets(); len(targets) != 1 || targets[0].Name != "local" {
		t.Errorf("Targets() = %+v", targets)
	}
}

func TestNewManager_RejectsUnknownStrategy(t *testing.T) {
	cfg := testutil.NewTestConfig(t)
	cfg.Routing.Strategy = "fastest"
	checker, _, err := newChecker(cfg, nil)
	if err != nil {
		t.Fatalf("newChecker: %v", err)
	}
	if _, err := newManager(cfg, checker, nil, nil); err == nil {
		t.Fatal("expected error for unknown strategy")
	}
}

func TestNewManager_UsesConfiguredStrategy(t *testing.T) {
	cfg := testutil.NewTestConfig(t)
	cfg.Routing.Strategy = "cost_optimized"
	mgr := newTestManager(t, cfg)
	if got := mgr.Strategy(); got != "cost_optimized" {
		t.Errorf("Strategy() = %q, want cost_optimized", got)
	}
}

func TestApplyReload(t *testing.T) {
	old := testutil.NewTestConfig(t)
	mgr := newTestManager(t, old)
	registerProviders(mgr, old, mapResolver{
		"keyring://llmrelay/anthropic": "a",
		"keyring://llmrelay/openai":    "o",
	})

	next := *old
	next.Providers = map[string]config.ProviderConfig{}
	for name, pc := range old.Providers {
		next.Providers[name] = pc
	}
	anthropic := next.Providers["anthropic"]
	anthropic.Enabled = false
	next.Providers["anthropic"] = anthropic
	openai := next.Providers["openai"]
	openai.Priority = 0
	next.Providers["openai"] = openai
	next.Routing.Strategy = "round_robin"

	applyReload(mgr, old, &next)

	if got := mgr.Strategy(); got != "round_robin" {
		t.Errorf("Strategy() = %q, want round_robin", got)
	}
	if ps, _ := mgr.Provider("anthropic"); ps.Enabled {
		t.Error("anthropic still enabled after reload")
	}
	if ps, _ := mgr.Provider("openai"); ps.Priority != 0 {
		t.Errorf("openai priority = %d, want 0", ps.Priority)
	}
}

func TestApplyReload_RemovedProviderIsDisabled(t *testing.T) {
	old := testutil.NewTestConfig(t)
	mgr := newTestManager(t, old)
	registerProviders(mgr, old, mapResolver{
		"keyring://llmrelay/anthropic": "a",
		"keyring://llmrelay/openai":    "o",
	})

	next := *old
	next.Providers = map[string]config.ProviderConfig{"anthropic": old.Providers["anthropic"]}

	applyReload(mgr, old, &next)

	if ps, _ := mgr.Provider("openai"); ps.Enabled {
		t.Error("removed provider still enabled")
	}
	if ps, _ := mgr.Provider("anthropic"); !ps.Enabled {
		t.Error("kept provider was disabled")
	}
}

func TestApplyReload_LogLevel(t *testing.T) {
	prev := zerolog.GlobalLevel()
	t.Cleanup(func() { zerolog.SetGlobalLevel(prev) })

	old := testutil.NewTestConfig(t)
	mgr := newTestManager(t, old)
	next := *old
	next.Server.LogLevel = "debug"

	applyReload(mgr, old, &next)

	if zerolog.GlobalLevel() != zerolog.DebugLevel {
		t.Errorf("global level = %v, want debug", zerolog.GlobalLevel())
	}
}

func TestRunPruner_StopsOnCancel(t *testing.T) {
	st := testutil.NewTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		runPruner(ctx, st, 30, 10*time.Millisecond)
		close(done)
	}()

	time.Sleep(30 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("pruner did not stop after cancel")
	}
}

func TestRunPruner_DisabledReturnsImmediately(t *testing.T) {
	st := testutil.NewTestStore(t)
	done := make(chan struct{})
	go func() {
		runPruner(context.Background(), st, 0, time.Minute)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("runPruner with retention 0 should return immediately")
	}
}

func TestSetupLogger_WritesFile(t *testing.T) {
	prev, prevLogger := zerolog.GlobalLevel(), log.Logger
	t.Cleanup(func() {
		zerolog.SetGlobalLevel(prev)
		log.Logger = prevLogger
	})

	dir := t.TempDir()
	closer, err := setupLogger(dir, "warn", false)
	if err != nil {
		t.Fatalf("setupLogger: %v", err)
	}
	t.Cleanup(func() { closer.Close() })

	if zerolog.GlobalLevel() != zerolog.WarnLevel {
		t.Errorf("global level = %v, want warn", zerolog.GlobalLevel())
	}
	if _, err := os.Stat(filepath.Join(dir, "llmrelay.log")); err != nil {
		t.Errorf("log file not created: %v", err)
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in   string
		want zerolog.Level
	}{
		{"trace", zerolog.TraceLevel},
		{"DEBUG", zerolog.DebugLevel},
		{" info ", zerolog.InfoLevel},
		{"warning", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"fatal", zerolog.FatalLevel},
		{"bogus", zerolog.InfoLevel},
	}
	for _, tt := range tests {
		if got := parseLogLevel(tt.in); got != tt.want {
			t.Errorf("parseLogLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}
	if got := expandHome("~/.llmrelay"); got != filepath.Join(home, ".llmrelay") {
		t.Errorf("expandHome = %q", got)
	}
	if got := expandHome("/var/lib/llmrelay"); got != "/var/lib/llmrelay" {
		t.Errorf("absolute path changed: %q", got)
	}
}
