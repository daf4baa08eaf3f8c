package main

import (
	"context"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// watch re-installs whenever the config file is written, until ctx is done.
// Flags keep overriding the file on every reload.
func (s *server) watch(ctx context.Context, filename string, load func() (Config, error)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	// editors often replace the file, so watch the directory
	if err := watcher.Add(filepath.Dir(filename)); err != nil {
		watcher.Close()
		return err
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != filepath.Clean(filename) {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				s.log.Info().Str("file", filename).Msg("Config changed, re-installing")
				config, err := load()
				if err != nil {
					s.log.Error().Err(err).Msg("Could not read config")
					continue
				}
				if err := s.reload(ctx, config); err != nil {
					s.log.Error().Err(err).Msg("Re-install failed, keeping current cache")
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				s.log.Error().Err(err).Msg("Config watcher error")
			}
		}
	}()
	return nil
}
