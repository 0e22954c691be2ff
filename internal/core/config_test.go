//go:build windows

package core

import (
	"os"
	"path/filepath"
	"testing"
)

func TestMode_StringAndParseRoundTrip(t *testing.T) {
	for _, m := range []Mode{ExcludeMode, IncludeMode} {
		s := m.String()
		parsed, err := ParseMode(s)
		if err != nil {
			t.Fatalf("ParseMode(%q): %v", s, err)
		}
		if parsed != m {
			t.Errorf("ParseMode(String()) = %v, want %v", parsed, m)
		}
	}
}

func TestParseMode_Aliases(t *testing.T) {
	if m, err := ParseMode("vpn_default"); err != nil || m != ExcludeMode {
		t.Errorf("ParseMode(vpn_default) = (%v, %v), want (ExcludeMode, nil)", m, err)
	}
	if m, err := ParseMode("direct_default"); err != nil || m != IncludeMode {
		t.Errorf("ParseMode(direct_default) = (%v, %v), want (IncludeMode, nil)", m, err)
	}
	if _, err := ParseMode("bogus"); err == nil {
		t.Error("expected an error for an unrecognized mode string")
	}
}

func TestConfigManager_LoadCreatesDefaultWhenMissing(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	cm := NewConfigManager(path, nil)
	if err := cm.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}

	if _, err := os.Stat(path); err != nil {
		t.Errorf("expected Load to create %s, stat failed: %v", path, err)
	}
	if got := cm.Get().Mode; got != ExcludeMode {
		t.Errorf("default config Mode = %v, want ExcludeMode", got)
	}
}

func TestConfigManager_SaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	cm := NewConfigManager(path, nil)
	cm.config = Config{
		Mode:    IncludeMode,
		Targets: []string{`C:\Games\game.exe`, `C:\Work\app.exe`},
		Logging: LogConfig{Level: "debug"},
	}
	if err := cm.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}

	cm2 := NewConfigManager(path, nil)
	if err := cm2.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}

	got := cm2.Get()
	if got.Mode != IncludeMode {
		t.Errorf("Mode = %v, want IncludeMode", got.Mode)
	}
	if len(got.Targets) != 2 || got.Targets[0] != `C:\Games\game.exe` {
		t.Errorf("Targets = %v, want 2 entries starting with the game exe", got.Targets)
	}
	if got.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %q, want %q", got.Logging.Level, "debug")
	}
}

func TestConfigManager_PublishesReloadEvent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("mode: include\n"), 0644); err != nil {
		t.Fatal(err)
	}

	bus := NewEventBus()
	fired := make(chan struct{})
	bus.Subscribe(EventConfigReloaded, func(Event) { close(fired) })

	cm := NewConfigManager(path, bus)
	if err := cm.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}

	select {
	case <-fired:
	default:
		t.Error("expected EventConfigReloaded to be published synchronously by Load")
	}
}
