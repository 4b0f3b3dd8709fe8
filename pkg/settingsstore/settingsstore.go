// Package settingsstore implements the SettingsStore contract:
// key/value persistent storage for strings and JSON blobs that emits change
// notifications. CredentialStore and LoxClient are its only consumers in
// this module.
package settingsstore

import (
	"context"
	"sync"
)

// Store is the SettingsStore contract.
type Store interface {
	// GetString returns the string stored under key, or "" if unset.
	GetString(ctx context.Context, key string) (string, error)
	// SetString stores value under key and notifies subscribers of key.
	SetString(ctx context.Context, key, value string) error
	// Delete removes key, notifying subscribers. Deleting an unset key
	// succeeds and still notifies subscribers.
	Delete(ctx context.Context, key string) error

	// Subscribe registers fn to be called (coalesced, per its
	// "change-notifications are coalesced by the store itself") whenever
	// any key matching one of keys changes. Returns an unsubscribe func.
	Subscribe(keys []string, fn func(key string)) (unsubscribe func())
}

// coalescer groups rapid-fire notifications for the same key within one
// synchronous Set/Delete call into a single dispatch, matching its
// requirement that SettingsStore coalesce notifications itself rather than
// pushing that responsibility onto callers.
type coalescer struct {
	mu   sync.RWMutex
	subs map[string][]*sub
	next uint64
}

type sub struct {
	id   uint64
	keys map[string]bool
	fn   func(key string)
}

func newCoalescer() *coalescer {
	return &coalescer{subs: make(map[string][]*sub)}
}

func (c *coalescer) subscribe(keys []string, fn func(key string)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.next++
	id := c.next
	keySet := make(map[string]bool, len(keys))
	s := &sub{id: id, keys: keySet, fn: fn}
	for _, k := range keys {
		keySet[k] = true
		c.subs[k] = append(c.subs[k], s)
	}
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		for k := range keySet {
			list := c.subs[k]
			for i, existing := range list {
				if existing.id == id {
					c.subs[k] = append(list[:i], list[i+1:]...)
					break
				}
			}
		}
	}
}

func (c *coalescer) notify(key string) {
	c.mu.RLock()
	subs := append([]*sub(nil), c.subs[key]...)
	c.mu.RUnlock()
	seen := make(map[uint64]bool, len(subs))
	for _, s := range subs {
		if seen[s.id] {
			continue
		}
		seen[s.id] = true
		s.fn(key)
	}
}
