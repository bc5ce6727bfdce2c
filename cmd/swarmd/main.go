package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/prxssh/rabbit/pkg/client"
	"github.com/prxssh/rabbit/pkg/config"
	"github.com/prxssh/rabbit/pkg/logging"
	"github.com/prxssh/rabbit/pkg/torrent"
)

func main() {
	setupLogger()

	descriptor := flag.String("torrent", "", "path to a .torrent descriptor file")
	downloadDir := flag.String("dir", "", "directory to save the downloaded file in (defaults to the configured download directory)")
	port := flag.Uint("port", 0, "TCP port to listen on for incoming peer connections (0 uses the default)")
	flag.Parse()

	if *descriptor == "" {
		slog.Error("missing required flag", "flag", "-torrent")
		os.Exit(2)
	}

	config.Init()
	cfg := config.Update(func(c *config.Config) {
		c.DescriptorPath = *descriptor
		if *port != 0 {
			c.ListenPort = uint16(*port)
		}
	})

	raw, err := os.ReadFile(*descriptor)
	if err != nil {
		slog.Error("failed to read descriptor", "path", *descriptor, "error", err)
		os.Exit(1)
	}

	meta, err := torrent.ParseMetainfo(raw)
	if err != nil {
		slog.Error("failed to parse descriptor", "path", *descriptor, "error", err)
		os.Exit(1)
	}

	dir := *downloadDir
	if dir == "" {
		dir = cfg.DefaultDownloadDir
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		slog.Error("failed to create download directory", "dir", dir, "error", err)
		os.Exit(1)
	}

	c, err := client.New(meta, filepath.Join(dir, meta.Info.Name), cfg)
	if err != nil {
		slog.Error("failed to initialize client", "error", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	slog.Info("starting download", "name", meta.Info.Name, "pieces", meta.PieceCount())
	if err := c.Run(ctx); err != nil {
		slog.Error("download failed", "error", err)
		os.Exit(1)
	}
}

func setupLogger() {
	opts := logging.DefaultOptions()
	opts.SlogOpts.Level = slog.LevelInfo
	opts.SlogOpts.AddSource = false

	h := logging.NewPrettyHandler(os.Stdout, &opts)
	slog.SetDefault(slog.New(h))
}
