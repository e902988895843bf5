package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMissingFileReturnsDefault(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Transport != "stream" {
		t.Fatalf("expected default transport \"stream\", got %q", cfg.Transport)
	}
	if cfg.VirtioDeviceID != nil {
		t.Fatalf("expected VirtioDeviceID to be unset, got %v", *cfg.VirtioDeviceID)
	}
}

func TestLoadParsesVirtioDeviceIDOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, Filename)
	writeFile(t, path, "transport: virtio\nvirtio_device_id: 26\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Transport != "virtio" {
		t.Fatalf("expected transport \"virtio\", got %q", cfg.Transport)
	}
	if cfg.VirtioDeviceID == nil || *cfg.VirtioDeviceID != 26 {
		t.Fatalf("expected virtio_device_id=26, got %v", cfg.VirtioDeviceID)
	}
}

func TestEffectivePIDDefaultsToProcessPID(t *testing.T) {
	cfg := Default()
	if cfg.EffectivePID() == 0 {
		t.Fatalf("expected a nonzero effective pid")
	}

	var explicit uint32 = 4242
	cfg.PID = &explicit
	if cfg.EffectivePID() != 4242 {
		t.Fatalf("expected explicit pid to take precedence")
	}
}

func writeFile(t *testing.T, path, contents string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}
