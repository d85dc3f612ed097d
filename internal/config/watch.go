package config

import (
	"context"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

const watchDebounce = 250 * time.Millisecond

// Watch reloads path whenever it changes and calls onChange with each new,
// valid configuration. Invalid or unchanged files are skipped. The directory
// is watched rather than the file so editors that replace the file are seen.
// Watch blocks until ctx is done.
func Watch(ctx context.Context, path string, current Config, log zerolog.Logger, onChange func(Config)) error {
	log = log.With().Str("comp", "config").Str("path", path).Logger()
	dir, file := filepath.Dir(path), filepath.Base(path)

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()
	if err := w.Add(dir); err != nil {
		return err
	}

	var (
		mu    sync.Mutex
		last  = current
		timer *time.Timer
	)
	reload := func() {
		cfg, err := Load(path)
		if err != nil {
			log.Warn().Err(err).Msg("config reload rejected")
			return
		}
		mu.Lock()
		unchanged := reflect.DeepEqual(cfg, last)
		if !unchanged {
			last = cfg
		}
		mu.Unlock()
		if unchanged {
			log.Debug().Msg("config unchanged")
			return
		}
		log.Info().Msg("config reloaded")
		onChange(cfg)
	}
	debounce := func() {
		mu.Lock()
		defer mu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(watchDebounce, reload)
	}
	defer func() {
		mu.Lock()
		if timer != nil {
			timer.Stop()
		}
		mu.Unlock()
	}()

	log.Debug().Msg("config watcher started")
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if !strings.EqualFold(filepath.Base(ev.Name), file) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				debounce()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			if err != nil {
				log.Warn().Err(err).Msg("config watch error")
			}
		}
	}
}
