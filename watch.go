package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/markbook/markbook-go/internal/connectivity"
	"github.com/markbook/markbook-go/internal/engine"
	"github.com/markbook/markbook-go/internal/remote"
)

// errConfigChanged signals a clean daemon exit so a supervisor restarts it
// with the new configuration. Reloading TTLs and backoff curves into a live
// engine is not supported; a restart is cheap and unambiguous.
var errConfigChanged = errors.New("configuration file changed")

func newWatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Run the sync loop in the foreground",
		Long: `Run the background sync loop until interrupted.

Drains the queue on connectivity changes, server push notifications, and a
periodic tick, and sweeps expired cache entries. When the remote
notify_url is configured, connectivity is derived from the push channel;
otherwise the loop assumes it is online and relies on dispatch errors plus
backoff. Exits cleanly when the config file changes so a supervisor can
restart it with fresh settings.`,
		RunE: runWatch,
	}
}

func runWatch(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	var mon connectivity.Monitor

	if rootCfg.Remote.NotifyURL != "" {
		wsm := connectivity.NewWebsocketMonitor(rootCfg.Remote.NotifyURL, rootLogger)
		mon = wsm

		g.Go(func() error {
			return wsm.Run(ctx)
		})
	} else {
		mon = connectivity.NewManualMonitor(true)
	}

	sub := remote.NewClient(remote.Config{
		BaseURL:   rootCfg.Remote.BaseURL,
		Token:     rootCfg.Remote.Token,
		Timeout:   rootCfg.Sync.Timeout(),
		UserAgent: "markbook/" + version,
	}, rootLogger)

	eng, err := engine.New(ctx, rootCfg, mon, sub, rootLogger)
	if err != nil {
		return fmt.Errorf("opening engine: %w", err)
	}
	defer eng.Close()

	g.Go(func() error {
		return eng.Run(ctx)
	})

	g.Go(func() error {
		return watchConfigFile(ctx, rootCfgPath)
	})

	rootLogger.Info("sync loop running", "store", rootCfg.StorePath)

	err = g.Wait()

	switch {
	case errors.Is(err, context.Canceled):
		rootLogger.Info("sync loop stopped")
		return nil
	case errors.Is(err, errConfigChanged):
		rootLogger.Info("config changed, exiting for restart", "path", rootCfgPath)
		return nil
	default:
		return err
	}
}

// watchConfigFile blocks until the config file is written or replaced, then
// returns errConfigChanged. A missing file (pure-defaults run) disables the
// watch rather than failing the daemon.
func watchConfigFile(ctx context.Context, path string) error {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		<-ctx.Done()
		return ctx.Err()
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watching config: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(path); err != nil {
		return fmt.Errorf("watching config %s: %w", path, err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}

			// Editors replace rather than rewrite; Create covers the
			// rename-into-place pattern.
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				return errConfigChanged
			}
		case werr, ok := <-watcher.Errors:
			if !ok {
				return nil
			}

			return fmt.Errorf("config watcher: %w", werr)
		}
	}
}
