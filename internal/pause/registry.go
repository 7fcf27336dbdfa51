// Package pause tracks which (channel, team) pairs have relaying switched off.
package pause

import "sync"

// Registry holds in-memory pause flags. A pair that was never set is not paused.
type Registry struct {
	mu    sync.RWMutex
	flags map[string]bool
}

func NewRegistry() *Registry {
	return &Registry{flags: make(map[string]bool)}
}

func key(channelID, teamID string) string {
	return channelID + "-" + teamID
}

// SetPaused stores or overwrites the flag for the pair.
func (r *Registry) SetPaused(channelID, teamID string, paused bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.flags[key(channelID, teamID)] = paused
}

func (r *Registry) IsPaused(channelID, teamID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.flags[key(channelID, teamID)]
}

// PausedCount returns how many pairs are currently paused.
func (r *Registry) PausedCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, paused := range r.flags {
		if paused {
			n++
		}
	}
	return n
}
