package registry

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// WatchSnapshot reloads the registry when the snapshot file changes on disk,
// so externally edited registrations (an operator adding an agent by hand)
// take effect without a restart. The registry's own atomic saves also fire
// events; those are absorbed by comparing against in-memory state during
// merge. Returns a stop function.
func (r *ServiceRegistry) WatchSnapshot(ctx context.Context) (func(), error) {
	if r.config.SnapshotPath == "" {
		return func() {}, nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("registry.WatchSnapshot: %w", err)
	}
	// Watch the directory: the snapshot is replaced by rename, which drops a
	// watch placed on the file itself.
	if err := watcher.Add(filepath.Dir(r.config.SnapshotPath)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("registry.WatchSnapshot: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	target := filepath.Base(r.config.SnapshotPath)

	go func() {
		defer close(done)
		defer watcher.Close()

		// Debounce: editors and atomic renames produce event bursts.
		var pending <-chan time.Time

		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Base(event.Name) != target {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				pending = time.After(500 * time.Millisecond)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				r.logger.Warn("Snapshot watcher error", map[string]interface{}{
					"operation": "snapshot_watch",
					"error":     err.Error(),
				})
			case <-pending:
				pending = nil
				r.reloadSnapshot()
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}, nil
}

// reloadSnapshot merges on-disk registrations into the live registry. Agents
// present on disk but unknown in memory are added; endpoint changes are
// applied. In-memory health and metrics are kept for agents that already
// exist, and agents missing from the file are left alone (unregistration
// stays an explicit API operation).
func (r *ServiceRegistry) reloadSnapshot() {
	snap, err := r.readSnapshot()
	if err != nil {
		r.logger.Warn("Snapshot reload skipped", map[string]interface{}{
			"operation": "snapshot_reload",
			"error":     err.Error(),
		})
		return
	}

	added, updated := 0, 0
	r.mu.Lock()
	for _, incoming := range snap.Agents {
		if incoming.Name == "" || incoming.Endpoint == "" {
			continue
		}
		existing, ok := r.agents[incoming.Name]
		if !ok {
			incoming.Status = StatusUnknown
			incoming.Metrics.ActiveRequests = 0
			if incoming.RegistrationTime.IsZero() {
				incoming.RegistrationTime = time.Now()
			}
			r.agents[incoming.Name] = incoming
			r.addToIndexLocked(incoming)
			added++
			continue
		}
		if existing.Endpoint != incoming.Endpoint ||
			!equalCaps(existing.Capabilities, incoming.Capabilities) {
			r.removeFromIndexLocked(existing)
			existing.Endpoint = incoming.Endpoint
			existing.Capabilities = append([]string(nil), incoming.Capabilities...)
			if incoming.Description != "" {
				existing.Description = incoming.Description
			}
			r.addToIndexLocked(existing)
			updated++
		}
	}
	r.mu.Unlock()

	if added > 0 || updated > 0 {
		r.logger.Info("Registry reloaded from snapshot", map[string]interface{}{
			"operation": "snapshot_reload",
			"added":     added,
			"updated":   updated,
		})
	}
}

func equalCaps(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	return strings.Join(a, "\x00") == strings.Join(b, "\x00")
}
