package gateway

import (
	"context"
	"fmt"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/palisade/palisade/internal/config"
)

// settleDelay lets an editor finish its burst of write events before the
// reload fires.
const settleDelay = 250 * time.Millisecond

// Reload builds a fresh epoch from the config at path and swaps it in. On
// any failure the current epoch stays in place.
func (g *Gateway) Reload(path string) error {
	cfg, err := config.Load(path)
	if err == nil {
		err = cfg.Validate()
	}
	if err != nil {
		g.metrics.ObserveReload(err)
		return err
	}

	ep, err := g.buildEpoch(cfg)
	if err != nil {
		g.metrics.ObserveReload(err)
		return err
	}

	g.current.Store(ep)
	g.metrics.ObserveReload(nil)
	g.log.Info("configuration reloaded", zap.String("path", path))
	return nil
}

// Watch reloads whenever the config file or one of its rule files changes.
// It blocks until ctx is done.
func (g *Gateway) Watch(ctx context.Context, path string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	g.watchFiles(watcher, path)

	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			pending = time.After(settleDelay)
		case <-pending:
			pending = nil
			if err := g.Reload(path); err != nil {
				g.log.Error("reload failed, keeping the current rule set", zap.Error(err))
				continue
			}
			// The new config may name different rule files.
			for _, p := range watcher.WatchList() {
				_ = watcher.Remove(p)
			}
			g.watchFiles(watcher, path)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			g.log.Warn("watcher error", zap.Error(err))
		}
	}
}

func (g *Gateway) watchFiles(watcher *fsnotify.Watcher, path string) {
	for _, p := range g.watchPaths(path) {
		if err := watcher.Add(p); err != nil {
			g.log.Warn("watch failed", zap.String("path", p), zap.Error(err))
		}
	}
}

func (g *Gateway) watchPaths(path string) []string {
	cfg := g.current.Load().cfg
	paths := []string{path}
	for _, rf := range cfg.RuleFiles {
		paths = append(paths, cfg.ResolvePath(rf))
	}
	for _, site := range cfg.Sites {
		for _, rf := range site.RuleFiles {
			paths = append(paths, cfg.ResolvePath(rf))
		}
	}
	return paths
}
