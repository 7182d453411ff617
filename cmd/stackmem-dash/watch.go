package main

import (
	"log"
	"os"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/fsnotify/fsnotify"
)

// fsChangeMsg is sent when a file change is detected in the stackmem
// home directory.
type fsChangeMsg struct{}

// watchHomeDir creates a file system watcher for the stackmem home
// directory, so writes from other stackmem processes refresh the
// dashboard immediately. Returns nil if the directory doesn't exist or
// watcher creation fails (dashboard falls back to polling-only mode).
func watchHomeDir(home string) tea.Cmd {
	watcher := initWatcher(home)
	if watcher == nil {
		return nil
	}
	return runWatcher(watcher)
}

// initWatcher creates a watcher for the given directory. Returns nil if
// initialization fails.
func initWatcher(home string) *fsnotify.Watcher {
	if _, err := os.Stat(home); err != nil {
		// Directory doesn't exist, fall back to polling.
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.Printf("fsnotify: failed to create watcher: %v (falling back to polling)", err)
		return nil
	}

	if err := watcher.Add(home); err != nil {
		_ = watcher.Close() // Best effort close
		log.Printf("fsnotify: failed to watch %s: %v (falling back to polling)", home, err)
		return nil
	}

	return watcher
}

// runWatcher returns a tea.Cmd that monitors file system events and
// returns fsChangeMsg when changes settle (debounced to avoid
// thundering herd on bursty writes).
func runWatcher(watcher *fsnotify.Watcher) tea.Cmd {
	return func() tea.Msg {
		debounceTimer := newDebounceTimer()
		defer debounceTimer.Stop()

		for {
			select {
			case _, ok := <-watcher.Events:
				if !ok {
					return nil
				}
				resetDebounceTimer(debounceTimer)

			case <-debounceTimer.C:
				return fsChangeMsg{}

			case err, ok := <-watcher.Errors:
				if !ok {
					return nil
				}
				log.Printf("fsnotify: watcher error: %v", err)
				return nil
			}
		}
	}
}

// newDebounceTimer creates a stopped timer ready for reset.
func newDebounceTimer() *time.Timer {
	timer := time.NewTimer(0)
	if !timer.Stop() {
		<-timer.C
	}
	return timer
}

// resetDebounceTimer resets the debounce timer to prevent rapid-fire events.
func resetDebounceTimer(timer *time.Timer) {
	const debounceDuration = 100 * time.Millisecond
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
	timer.Reset(debounceDuration)
}
