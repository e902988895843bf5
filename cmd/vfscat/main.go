// Command vfscat streams one remote file to stdout over a FUSE protocol
// session, an external-collaborator-style demo of internal/vfs rather than
// part of the core (spec §1: "the interactive shell... is out of scope").
package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/schollz/progressbar/v3"

	"github.com/mcsohan/fusevirtio/internal/config"
	"github.com/mcsohan/fusevirtio/internal/session"
	"github.com/mcsohan/fusevirtio/internal/transport"
	"github.com/mcsohan/fusevirtio/internal/vfs"
)

func main() {
	configPath := flag.String("config", config.Filename, "path to the client config file")
	path := flag.String("path", "", "remote path to read")
	flag.Parse()

	if *path == "" {
		fmt.Fprintln(os.Stderr, "vfscat: -path is required")
		os.Exit(2)
	}

	if err := run(*configPath, *path); err != nil {
		slog.Error("vfscat failed", "error", err)
		os.Exit(1)
	}
}

func run(configPath, remotePath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	rt, closeFn, err := dialTransport(cfg)
	if err != nil {
		return fmt.Errorf("dial transport: %w", err)
	}
	defer closeFn()

	proto := session.New(rt, cfg.UID, cfg.GID, cfg.EffectivePID(), slog.Default())
	ctx := context.Background()
	if _, err := proto.Init(ctx); err != nil {
		return fmt.Errorf("init: %w", err)
	}

	fs := vfs.NewSession(proto)
	attr, err := fs.Stat(ctx, remotePath)
	if err != nil {
		return fmt.Errorf("stat %s: %w", remotePath, err)
	}

	h, err := fs.Open(ctx, remotePath, 0)
	if err != nil {
		return fmt.Errorf("open %s: %w", remotePath, err)
	}
	defer fs.Close(ctx, h)

	bar := progressbar.DefaultBytes(int64(attr.Size), remotePath)
	for {
		chunk, err := fs.Read(ctx, h, 64*1024)
		if err != nil {
			return fmt.Errorf("read %s: %w", remotePath, err)
		}
		if len(chunk) == 0 {
			break
		}
		if _, err := io.Copy(io.MultiWriter(os.Stdout, bar), bytes.NewReader(chunk)); err != nil {
			return fmt.Errorf("write stdout: %w", err)
		}
	}
	return nil
}

// dialTransport opens the transport named by cfg.Transport. VirtIO device
// wiring lives behind a build-time PCI bus implementation this demo
// doesn't provide; it is left as a TODO for a host integration that can
// supply a real pcidrv.ConfigSpace.
func dialTransport(cfg config.Config) (transport.RoundTripper, func() error, error) {
	switch cfg.Transport {
	case "stream", "":
		s, err := transport.Dial(cfg.StreamSocketPath, slog.Default())
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	default:
		return nil, nil, fmt.Errorf("unsupported transport %q (vfscat only dials the stream backend)", cfg.Transport)
	}
}
