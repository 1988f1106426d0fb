package tasks

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// watchDebounce coalesces bursts of fs events from editors that write in
// multiple steps.
const watchDebounce = 250 * time.Millisecond

// Watch reloads the set whenever its definitions file changes on disk.
// The parent directory is watched because editors commonly replace files
// by rename. Blocks until ctx is done.
func (s *Set) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	dir := filepath.Dir(s.path)
	if err := watcher.Add(dir); err != nil {
		return err
	}
	log.Debug().Str("dir", dir).Msg("watching task definitions")

	var timer *time.Timer
	var timerC <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != filepath.Clean(s.path) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(watchDebounce)
				timerC = timer.C
			} else {
				timer.Reset(watchDebounce)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn().Err(err).Msg("task watcher error")
		case <-timerC:
			timer = nil
			timerC = nil
			if err := s.Reload(); err != nil {
				// Keep serving the previous definitions.
				log.Warn().Err(err).Msg("task reload failed, keeping previous definitions")
			}
		}
	}
}
