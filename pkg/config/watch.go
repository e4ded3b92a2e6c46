package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// watch replaces any running watcher with one on folder. Changes to a
// settings file mark the store dirty after the debounce delay; the next
// ApplySettings re-reads the file.
func (s *Store) watch(ctx context.Context, folder string) error {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()

	if err := s.stopWatchLocked(); err != nil {
		s.logger.WithError(err).Warn("failed to stop previous settings watcher")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create settings watcher: %w", err)
	}
	if err := watcher.Add(folder); err != nil {
		_ = watcher.Close()
		s.logger.WithField("folder", folder).WithError(err).Debug("settings folder not watchable")
		return nil
	}

	watchCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.watcher = watcher
	s.watchCancel = cancel
	s.watchDone = make(chan struct{})

	go s.processEvents(watchCtx, watcher, s.watchDone)
	return nil
}

func (s *Store) stopWatchLocked() error {
	if s.watcher == nil {
		return nil
	}
	s.watchCancel()
	err := s.watcher.Close()
	<-s.watchDone
	s.watcher = nil
	s.watchCancel = nil
	s.watchDone = nil
	return err
}

// processEvents processes file system events and marks the settings dirty.
func (s *Store) processEvents(ctx context.Context, watcher *fsnotify.Watcher, done chan struct{}) {
	defer close(done)

	var reloadTimer *time.Timer
	defer func() {
		if reloadTimer != nil {
			reloadTimer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if !isSettingsFile(event.Name) {
				continue
			}

			if reloadTimer != nil {
				reloadTimer.Stop()
			}
			name := event.Name
			reloadTimer = time.AfterFunc(s.opts.Debounce, func() {
				s.dirty.Store(true)
				s.logger.WithField("path", name).Info("settings changed on disk")
			})

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			s.logger.WithError(err).Error("settings watcher error")
		}
	}
}

func isSettingsFile(path string) bool {
	base := filepath.Base(path)
	for _, name := range settingsFiles {
		if base == name {
			return true
		}
	}
	return false
}
