package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/charconstpointer/trickle"
)

const defaultDebounce = 250 * time.Millisecond

// Update is a freshly resolved configuration together with its plan.
type Update struct {
	Config *Config
	Plan   *trickle.Plan
}

// Watcher rebuilds the configuration when the config file or the payload file changes.
type Watcher struct {
	// Path is the config file, empty when the server runs from flags only.
	Path string

	// Overrides is applied on top of every reloaded config, typically the command line flags.
	Overrides func(*Config)

	Debounce time.Duration
	Log      zerolog.Logger
}

// Resolve loads, overrides and validates the config and builds its plan.
func (w *Watcher) Resolve() (Update, error) {
	cfg := Default()
	if w.Path != "" {
		var err error
		if cfg, err = Load(w.Path); err != nil {
			return Update{}, err
		}
	}
	if w.Overrides != nil {
		w.Overrides(cfg)
	}
	if err := cfg.Validate(); err != nil {
		return Update{}, err
	}
	plan, err := cfg.Plan()
	if err != nil {
		return Update{}, err
	}
	return Update{Config: cfg, Plan: plan}, nil
}

// Watch calls apply with every successful reload until ctx is done.
// Invalid intermediate states are logged and skipped; the running plan stays in place.
func (w *Watcher) Watch(ctx context.Context, current *Config, apply func(Update)) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer fw.Close()

	targets := map[string]bool{}
	dirs := map[string]bool{}
	track := func(path string) error {
		if path == "" {
			return nil
		}
		abs, err := filepath.Abs(path)
		if err != nil {
			return err
		}
		targets[abs] = true
		dir := filepath.Dir(abs)
		if dirs[dir] {
			return nil
		}
		// Editors replace files by rename, so the directory is watched rather than the file.
		if err := fw.Add(dir); err != nil {
			return fmt.Errorf("watch %s: %w", dir, err)
		}
		dirs[dir] = true
		return nil
	}
	if err := track(w.Path); err != nil {
		return err
	}
	if err := track(current.Payload); err != nil {
		return err
	}

	debounce := w.Debounce
	if debounce <= 0 {
		debounce = defaultDebounce
	}
	timer := time.NewTimer(debounce)
	timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.Log.Warn().Err(err).Msg("file watcher error")
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			abs, err := filepath.Abs(ev.Name)
			if err != nil || !targets[abs] {
				continue
			}
			timer.Reset(debounce)
		case <-timer.C:
			up, err := w.Resolve()
			if err != nil {
				w.Log.Error().Err(err).Msg("reload rejected, keeping current plan")
				continue
			}
			if err := track(up.Config.Payload); err != nil {
				w.Log.Warn().Err(err).Msg("cannot watch new payload file")
			}
			w.Log.Info().
				Int("payload_bytes", len(up.Plan.Payload())).
				Int("chunk_size", up.Plan.ChunkSize()).
				Dur("interval", up.Plan.Interval()).
				Msg("configuration reloaded")
			apply(up)
		}
	}
}
