package core

import (
	"sync"

	"github.com/voxhall/voxhall/internal/domain"
)

// RosterEntry is the observed state of one remote participant. AudioMuted
// is derived from track state; other participants' local mute intent is
// unknowable here.
type RosterEntry struct {
	SID        string      `json:"sid"`
	Identity   string      `json:"identity"`
	Role       domain.Role `json:"role"`
	IsSpeaking bool        `json:"isSpeaking"`
	AudioMuted bool        `json:"audioMuted"`
}

// Roster is the live set of currently-connected remote participants,
// derived from transport events. An entry exists iff the transport reports
// that participant as connected. The local participant is never an entry.
type Roster struct {
	mu      sync.RWMutex
	entries map[string]*RosterEntry
}

func NewRoster() *Roster {
	return &Roster{entries: make(map[string]*RosterEntry)}
}

// Upsert applies a participant-connected event. Re-delivery for a live SID
// refreshes identity and role in place.
func (r *Roster) Upsert(p ParticipantInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[p.SID]; ok {
		e.Identity = p.Identity
		e.Role = p.Role
		return
	}
	r.entries[p.SID] = &RosterEntry{SID: p.SID, Identity: p.Identity, Role: p.Role}
}

// Remove applies a participant-disconnected event. Removing an absent entry
// is a silent no-op; transports may deliver duplicates.
func (r *Roster) Remove(sid string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, sid)
}

// SetSpeaking drops the update if the entry is already gone (event arrived
// after the disconnect).
func (r *Roster) SetSpeaking(sid string, speaking bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[sid]; ok {
		e.IsSpeaking = speaking
	}
}

func (r *Roster) SetAudioMuted(sid string, muted bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[sid]; ok {
		e.AudioMuted = muted
	}
}

// Snapshot returns a consistent copy; no entry is ever observed
// half-updated.
func (r *Roster) Snapshot() []RosterEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]RosterEntry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, *e)
	}
	return out
}

func (r *Roster) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
