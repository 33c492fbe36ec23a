// Command relayd runs the transparent TCP interception relay: it loads
// plugins from a directory, opens the listening socket, and drives the
// event loop until terminated.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/luckypoem/tcp-chain/internal/config"
	"github.com/luckypoem/tcp-chain/internal/observability"
	"github.com/luckypoem/tcp-chain/internal/pluginhost"
	"github.com/luckypoem/tcp-chain/internal/relay"
	"github.com/luckypoem/tcp-chain/pkg/reactor"
	"github.com/luckypoem/tcp-chain/pkg/relayplugin"
)

// toHookTable flattens the loader's discovery-ordered results into the bare
// hook table the engine fans events out over.
func toHookTable(loaded []pluginhost.Loaded) []relayplugin.Hooks {
	hooks := make([]relayplugin.Hooks, len(loaded))
	for i, l := range loaded {
		hooks[i] = l.Hooks
	}
	return hooks
}

func main() {
	os.Exit(run())
}

func run() int {
	var (
		port      = flag.Uint("port", config.DefaultPort, "listening port")
		pluginDir = flag.String("plugins", config.DefaultPluginDir, "plugin directory")
		maxRelays = flag.Int("max-relays", config.DefaultMaxRelays, "relay table admission ceiling")
		bufSize   = flag.Int("buffer-size", config.DefaultBufferSize, "read chunk / pending-out capacity")
	)
	flag.Parse()

	cfg := config.New(
		config.WithPort(uint16(*port)),
		config.WithPluginDir(*pluginDir),
		config.WithMaxRelays(*maxRelays),
		config.WithBufferSize(*bufSize),
	)

	log := observability.New()

	loaded, err := pluginhost.Load(cfg.PluginDir, log)
	if err != nil {
		// Missing plugin directory is a configuration error (spec §4.1,
		// §7 "Startup fatal"): abort rather than silently run a no-op
		// relay.
		log.Error("cannot start: plugin directory unavailable", "err", err, "dir", cfg.PluginDir)
		return 1
	}

	loop, err := reactor.New()
	if err != nil {
		log.Error("cannot start: event loop init failed", "err", err)
		return 1
	}

	hookTable := toHookTable(loaded)
	table := relay.NewTable(cfg.MaxRelays, cfg.BufferSize)
	engine := relay.NewEngine(loop, table, hookTable, cfg.BufferSize, log)

	engine.InitPlugins()

	if err := engine.Listen(cfg.Port); err != nil {
		log.Error("cannot start: listen failed", "err", err, "port", cfg.Port)
		return 1
	}

	log.Info("relay started", "port", cfg.Port, "plugins", len(hookTable), "max_relays", cfg.MaxRelays)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := loop.Run(ctx); err != nil && err != context.Canceled {
		log.Error("event loop exited with error", "err", err)
		_ = engine.Close()
		_ = loop.Close()
		return 1
	}

	_ = engine.Close()
	_ = loop.Close()
	return 0
}
