package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	c, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if c != Default() {
		t.Fatalf("got %+v", c)
	}
}

func TestLoadOverridesAndDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engine.yaml")
	body := "world_dir: /tmp/w\nrender_distance: 12\nio_workers: 4\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	c, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if c.WorldDir != "/tmp/w" || c.RenderDistance != 12 || c.IoWorkers != 4 {
		t.Fatalf("overrides not applied: %+v", c)
	}
	if c.TickRateHz != 60 || c.IoBatchSize != 32 {
		t.Fatalf("defaults not kept: %+v", c)
	}
	if c.QueueInterval() != 5*time.Millisecond {
		t.Fatalf("queue interval %v", c.QueueInterval())
	}
}

func TestLoadRejectsOutOfRange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engine.yaml")
	if err := os.WriteFile(path, []byte("render_distance: 0\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("render_distance 0 accepted")
	}
}
