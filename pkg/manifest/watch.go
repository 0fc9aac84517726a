package manifest

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const reloadDebounce = 150 * time.Millisecond

// Watch reloads path whenever it changes and hands valid configs to onChange.
// Invalid edits are logged and ignored, so the last good config stays active.
// The parent directory is watched because editors replace files by rename.
func Watch(ctx context.Context, path string, log *zap.Logger, onChange func(Config)) error {
	if log == nil {
		log = zap.NewNop()
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		_ = w.Close()
		return err
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		_ = w.Close()
		return err
	}

	go func() {
		defer func() { _ = w.Close() }()
		var timer *time.Timer
		var fire <-chan time.Time
		for {
			select {
			case <-ctx.Done():
				if timer != nil {
					timer.Stop()
				}
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != abs || !ev.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename) {
					continue
				}
				if timer == nil {
					timer = time.NewTimer(reloadDebounce)
				} else {
					timer.Reset(reloadDebounce)
				}
				fire = timer.C
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				log.Warn("manifest watcher error", zap.Error(err))
			case <-fire:
				fire = nil
				cfg, err := Load(abs)
				if err != nil {
					log.Warn("manifest reload rejected", zap.String("path", abs), zap.Error(err))
					continue
				}
				log.Info("manifest reloaded", zap.String("path", abs), zap.Int("rules", len(cfg.Rules)))
				onChange(cfg)
			}
		}
	}()
	return nil
}
