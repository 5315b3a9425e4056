package config

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// Watch monitors the .env file in the data directory and invokes onChange
// with a freshly loaded configuration after edits settle. Editors often
// emit several events per save, so changes are debounced.
func Watch(ctx context.Context, dataDir string, onChange func(*Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	// Watch the directory, not the file: most editors replace the file on
	// save, which would break a direct file watch.
	if err := watcher.Add(dataDir); err != nil {
		watcher.Close()
		return err
	}

	envFile := filepath.Join(dataDir, ".env")

	go func() {
		defer watcher.Close()

		var debounce *time.Timer
		for {
			select {
			case <-ctx.Done():
				if debounce != nil {
					debounce.Stop()
				}
				return

			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Name != envFile {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
					continue
				}

				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(500*time.Millisecond, func() {
					cfg, err := Load()
					if err != nil {
						log.Error().Err(err).Msg("Configuration reload failed, keeping previous config")
						return
					}
					log.Info().Str("file", envFile).Msg("Configuration reloaded")
					onChange(cfg)
				})

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Warn().Err(err).Msg("Config watcher error")
			}
		}
	}()

	return nil
}
