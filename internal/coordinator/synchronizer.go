package coordinator

import (
	"sync"
	"time"

	"github.com/trailcam-labs/trailcam-bridge/internal/model"
	"github.com/trailcam-labs/trailcam-bridge/internal/moultrie"
)

type pendingWrite struct {
	value string
	at    time.Time
}

// Synchronizer tracks desired-vs-confirmed setting state per device. A
// locally issued write leaves an optimistic overlay until a later fetch
// confirms or overrides it.
type Synchronizer struct {
	mu      sync.Mutex
	pending map[int64]map[string]pendingWrite
	now     func() time.Time
}

// NewSynchronizer builds an empty synchronizer.
func NewSynchronizer() *Synchronizer {
	return &Synchronizer{
		pending: make(map[int64]map[string]pendingWrite),
		now:     time.Now,
	}
}

// Validate checks a candidate value against the descriptor's kind-specific
// constraint. Called before any network traffic.
func Validate(desc model.SettingDescriptor, value string) error {
	switch desc.EffectiveKind() {
	case model.SettingKindToggle:
		if value != model.ToggleOn && value != model.ToggleOff {
			return moultrie.InvalidValuef("setting %s accepts %q or %q, got %q", desc.ShortCode, model.ToggleOn, model.ToggleOff, value)
		}
	case model.SettingKindDropdown:
		for _, opt := range desc.Options {
			if opt.Value == value {
				return nil
			}
		}
		return moultrie.InvalidValuef("setting %s has no option %q", desc.ShortCode, value)
	default:
		if desc.MinLength > 0 && len(value) < desc.MinLength {
			return moultrie.InvalidValuef("setting %s needs at least %d characters", desc.ShortCode, desc.MinLength)
		}
		if desc.MaxLength > 0 && len(value) > desc.MaxLength {
			return moultrie.InvalidValuef("setting %s allows at most %d characters", desc.ShortCode, desc.MaxLength)
		}
	}
	return nil
}

// MarkPending records an optimistic overlay for a just-issued write and
// returns its timestamp.
func (s *Synchronizer) MarkPending(deviceID int64, shortCode, value string) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	writes, ok := s.pending[deviceID]
	if !ok {
		writes = make(map[string]pendingWrite)
		s.pending[deviceID] = writes
	}
	at := s.now()
	writes[shortCode] = pendingWrite{value: value, at: at}
	return at
}

// ClearPending drops the overlay for a rejected write.
func (s *Synchronizer) ClearPending(deviceID int64, shortCode string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if writes, ok := s.pending[deviceID]; ok {
		delete(writes, shortCode)
		if len(writes) == 0 {
			delete(s.pending, deviceID)
		}
	}
}

// Absorb processes a settings fetch: any overlay whose write the upstream
// has acknowledged (user-update time at or past the overlay timestamp) is
// cleared, the fetched value being authoritative from then on.
func (s *Synchronizer) Absorb(deviceID int64, fetched map[string]model.SettingDescriptor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	writes, ok := s.pending[deviceID]
	if !ok {
		return
	}
	for code, write := range writes {
		desc, ok := fetched[code]
		if !ok {
			continue
		}
		if !desc.LastUserUpdate.Before(write.at) {
			delete(writes, code)
		}
	}
	if len(writes) == 0 {
		delete(s.pending, deviceID)
	}
}

// Overlay applies uncleared pending values on top of fetched descriptors so
// the published snapshot reflects what the user asked for.
func (s *Synchronizer) Overlay(deviceID int64, fetched map[string]model.SettingDescriptor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	writes, ok := s.pending[deviceID]
	if !ok {
		return
	}
	for code, write := range writes {
		desc, ok := fetched[code]
		if !ok {
			continue
		}
		desc.Value = write.value
		desc.LastUserUpdate = write.at
		fetched[code] = desc
	}
}

// HasPending merges the local overlay state with the remote flag. OR-merge:
// the remote flag can lag a just-issued local write, and a stuck remote
// flag must not hide real pending work either.
func (s *Synchronizer) HasPending(deviceID int64, remoteFlag bool) bool {
	if remoteFlag {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending[deviceID]) > 0
}

// Forget drops all overlays for a removed device.
func (s *Synchronizer) Forget(deviceID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, deviceID)
}
