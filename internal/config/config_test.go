package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `
symbol: XAUUSD
trading_mode: paper
risk:
  daily_loss_pct: 2.5
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	c, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if c.Risk.DailyLossPct != 2.5 {
		t.Fatalf("explicit value overridden: %v", c.Risk.DailyLossPct)
	}
	if c.Collector.WindowMs != 500 {
		t.Fatalf("collector window default = %d, want 500", c.Collector.WindowMs)
	}
	if c.Wait.NextBarMin != 6 || c.Wait.StructureNeededMin != 15 || c.Wait.CooldownMin != 3 {
		t.Fatalf("wait scope defaults wrong: %+v", c.Wait)
	}
	if c.Optimizer.Schedule != "0 0 20 * * 0" {
		t.Fatalf("optimizer schedule default = %q", c.Optimizer.Schedule)
	}
	if c.Risk.News.MinImportance != 2 || len(c.Risk.News.Currencies) != 2 {
		t.Fatalf("news defaults wrong: %+v", c.Risk.News)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load("does/not/exist.yaml"); err == nil {
		t.Fatal("expected error for missing config file")
	}
}
