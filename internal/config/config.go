// Package config loads the session/transport configuration this client
// needs to reach a remote: which transport to use, the stream socket path
// or VirtIO device override, and the uid/gid/pid stamped into every
// request header. Grounded in cmd/ccapp's site-config pattern: a YAML
// struct with pointer fields where "unset" must be distinguishable from
// the zero value.
package config

import (
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"
)

// Filename is the default config file name a daemon looks for next to its
// binary or in a well-known directory, mirroring cmd/ccapp's
// SiteConfigFilename convention.
const Filename = "fusevirtio-config.yml"

// Config is the client's session/transport configuration.
type Config struct {
	// Transport selects the backend: "stream" or "virtio". Defaults to
	// "stream" if empty.
	Transport string `yaml:"transport"`

	// StreamSocketPath is the bound bidirectional stream endpoint's path
	// (spec §6), used when Transport is "stream".
	StreamSocketPath string `yaml:"stream_socket_path"`

	// VirtioDeviceID is the configured PCI device id for the VirtIO
	// backend. A pointer distinguishes "not set" from "explicitly 0".
	// pcidrv.Probe does not read it: it always accepts either of the two
	// known virtio-fs device ids.
	VirtioDeviceID *uint16 `yaml:"virtio_device_id"`

	// MaxWriteSize is the configured maximum WRITE payload size. Nothing
	// in this module reads it; WRITE payloads are sent at whatever size
	// the caller passes.
	MaxWriteSize uint32 `yaml:"max_write_size"`

	// UID, GID, PID are stamped into every request header (spec §4.1).
	// A nil PID defaults to the running process's pid at session
	// construction time, not at config-load time.
	UID uint32  `yaml:"uid"`
	GID uint32  `yaml:"gid"`
	PID *uint32 `yaml:"pid"`
}

// Default returns a Config with the stream transport and no overrides.
func Default() Config {
	return Config{Transport: "stream"}
}

// Load reads and parses the YAML config at path. A missing file is not an
// error: it returns Default(), matching LoadSiteConfig's "returns an
// empty config if the file doesn't exist" behavior.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			slog.Debug("config file not found, using defaults", "path", path)
			return Default(), nil
		}
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if cfg.Transport == "" {
		cfg.Transport = "stream"
	}
	return cfg, nil
}

// EffectivePID returns PID if set, otherwise the running process's pid.
func (c Config) EffectivePID() uint32 {
	if c.PID != nil {
		return *c.PID
	}
	return uint32(os.Getpid())
}
