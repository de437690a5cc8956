package effects

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// debounceWindow collapses editor save bursts into one reload.
const debounceWindow = 200 * time.Millisecond

// Watch starts a goroutine that reloads the scripts whenever a .lua file
// in the effects directory changes. Stops with the context or Close.
func (e *Engine) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(e.dir); err != nil {
		_ = watcher.Close()
		return err
	}

	go e.watchLoop(ctx, watcher)
	log.Debug().Str("dir", e.dir).Msg("Watching effect scripts")

	return nil
}

func (e *Engine) watchLoop(ctx context.Context, watcher *fsnotify.Watcher) {
	defer watcher.Close()

	debounce := time.NewTimer(0)
	<-debounce.C // drain initial timer
	dirty := false

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.closing:
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if filepath.Ext(event.Name) != ".lua" {
				continue
			}
			dirty = true
			debounce.Reset(debounceWindow)

		case <-debounce.C:
			if !dirty {
				continue
			}
			dirty = false

			log.Info().Str("dir", e.dir).Msg("Effect scripts changed, reloading")
			if err := e.Reload(ctx); err != nil {
				log.Error().Err(err).Msg("Effect reload failed")
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Msg("Effect watcher error")
		}
	}
}
