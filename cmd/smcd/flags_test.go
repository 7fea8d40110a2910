package main

import (
	"testing"
	"time"

	"github.com/ggoodman/smc-node-go/config"
)

func TestFlagsOverrideEnvironment(t *testing.T) {
	cfg := config.Config{Listen: "unix:///tmp/smc.sock", Suite: "bgw", LogLevel: "info", Journal: config.JournalMemory}
	help, err := parseFlags(&cfg, []string{"--id", "2", "--listen", "127.0.0.1:7002", "--engine-timeout", "5s", "--journal=none"})
	if err != nil || help {
		t.Fatalf("parse: %v %v", help, err)
	}
	if cfg.PartyID != 2 || cfg.Listen != "127.0.0.1:7002" || cfg.EngineTimeout != 5*time.Second || cfg.Journal != config.JournalNone {
		t.Fatalf("unexpected %+v", cfg)
	}
	if cfg.Suite != "bgw" {
		t.Fatalf("unset flag clobbered env value: %q", cfg.Suite)
	}
}

func TestFlagsRescueInvalidEnvironment(t *testing.T) {
	t.Setenv("SMC_LOG_LEVEL", "bogus")
	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if _, err := parseFlags(&cfg, []string{"--log-level=info"}); err != nil {
		t.Fatalf("parse: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("flag override did not apply: %v", err)
	}
}

func TestFlagsRejectUnknown(t *testing.T) {
	var cfg config.Config
	if _, err := parseFlags(&cfg, []string{"--bogus"}); err == nil {
		t.Fatalf("expected error")
	}
}

func TestOpenJournal(t *testing.T) {
	j, err := openJournal(config.Config{Journal: config.JournalMemory, JournalSize: 4})
	if err != nil {
		t.Fatalf("memory: %v", err)
	}
	_ = j.Close()
	j, err = openJournal(config.Config{Journal: config.JournalNone})
	if err != nil || j == nil {
		t.Fatalf("none: %v", err)
	}
}
