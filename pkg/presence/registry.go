// Package presence is the shared, TTL-governed view of who is connected,
// which session carries them, and which room they are looking at. It is the
// only state mutated by more than one gateway instance; everything else is
// process-local.
package presence

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Shubh4mPatel/MeetRub-Socket/pkg/kv"
)

// ErrStoreUnavailable reports that the backing store could not be reached.
// Callers degrade to treating everyone as offline; they never crash a
// session over it.
var ErrStoreUnavailable = kv.ErrUnavailable

// Record is the stored presence state for one identity.
type Record struct {
	Online     bool   `json:"online"`
	SessionID  string `json:"sessionId"`
	ActiveRoom string `json:"activeRoomId,omitempty"`
	LastSeen   int64  `json:"lastSeen"` // unix milliseconds
}

// Registry reads and writes presence records in the shared ephemeral store.
// The bucket's TTL evicts records of uncleanly dropped sessions; readers
// additionally check lastSeen against the same window so a record past its
// TTL reads as absent even before eviction.
type Registry struct {
	store kv.Store
	ttl   time.Duration
	now   func() time.Time
}

func NewRegistry(store kv.Store, ttl time.Duration) *Registry {
	return &Registry{store: store, ttl: ttl, now: time.Now}
}

// WithClock overrides the registry's clock. Tests only.
func (r *Registry) WithClock(now func() time.Time) *Registry {
	r.now = now
	return r
}

// Register marks the identity online under the given session, overwriting
// any prior record. Last write wins: if the identity reconnects before the
// old session's record expires, the new session becomes canonical and the
// old transport is not closed.
func (r *Registry) Register(identityID, sessionID string) error {
	rec := Record{
		Online:    true,
		SessionID: sessionID,
		LastSeen:  r.now().UnixMilli(),
	}
	return r.put(identityID, rec)
}

// Heartbeat refreshes the record's TTL without changing other fields. A
// missing record is logged, not an error — the caller should re-register.
func (r *Registry) Heartbeat(identityID string) error {
	return r.update(identityID, "heartbeat", func(rec *Record) {
		rec.LastSeen = r.now().UnixMilli()
	})
}

// SetActiveRoom records which room the identity has focused. An empty
// roomID clears the focus. Used to suppress redundant notifications.
func (r *Registry) SetActiveRoom(identityID, roomID string) error {
	return r.update(identityID, "active room", func(rec *Record) {
		rec.ActiveRoom = roomID
		rec.LastSeen = r.now().UnixMilli()
	})
}

// maxUpdateRetries bounds the CAS loop; contention on one identity's record
// is at most a handful of writers (heartbeat plus read-loop handlers).
const maxUpdateRetries = 5

// update applies mutate to the record under the store's compare-and-swap,
// re-reading and retrying on conflict so a concurrent writer's fields are
// never clobbered by a stale read.
func (r *Registry) update(identityID, what string, mutate func(*Record)) error {
	for attempt := 0; attempt < maxUpdateRetries; attempt++ {
		data, rev, err := r.store.GetRev(identityID)
		if err != nil {
			if errors.Is(err, kv.ErrNotFound) {
				slog.Warn("Presence update for unregistered identity", "identity", identityID, "update", what)
				return nil
			}
			return fmt.Errorf("get presence %s: %w", identityID, err)
		}
		var rec Record
		if err := json.Unmarshal(data, &rec); err != nil {
			slog.Warn("Corrupt presence record", "identity", identityID, "error", err)
			return nil
		}
		if r.expired(rec) {
			slog.Warn("Presence update for expired record", "identity", identityID, "update", what)
			return nil
		}

		mutate(&rec)
		out, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshal presence %s: %w", identityID, err)
		}
		err = r.store.Update(identityID, out, rev)
		if err == nil {
			return nil
		}
		if !errors.Is(err, kv.ErrConflict) {
			return fmt.Errorf("update presence %s: %w", identityID, err)
		}
	}
	return fmt.Errorf("update presence %s: %w", identityID, kv.ErrConflict)
}

func (r *Registry) IsOnline(identityID string) (bool, error) {
	rec, ok, err := r.get(identityID)
	if err != nil {
		return false, err
	}
	return ok && rec.Online, nil
}

// SessionID returns the identity's currently registered session, if any.
func (r *Registry) SessionID(identityID string) (string, bool, error) {
	rec, ok, err := r.get(identityID)
	if err != nil || !ok {
		return "", false, err
	}
	return rec.SessionID, true, nil
}

// ActiveRoom returns the room the identity has focused, if any.
func (r *Registry) ActiveRoom(identityID string) (string, bool, error) {
	rec, ok, err := r.get(identityID)
	if err != nil || !ok || rec.ActiveRoom == "" {
		return "", false, err
	}
	return rec.ActiveRoom, true, nil
}

// Clear removes the record unconditionally.
func (r *Registry) Clear(identityID string) error {
	if err := r.store.Delete(identityID); err != nil {
		return fmt.Errorf("clear presence %s: %w", identityID, err)
	}
	return nil
}

// ClearSession removes the record only while it still names sessionID.
// A superseded transport disconnecting late must not delete the presence
// of the session that replaced it.
func (r *Registry) ClearSession(identityID, sessionID string) error {
	for attempt := 0; attempt < maxUpdateRetries; attempt++ {
		data, rev, err := r.store.GetRev(identityID)
		if err != nil {
			if errors.Is(err, kv.ErrNotFound) {
				return nil
			}
			return fmt.Errorf("get presence %s: %w", identityID, err)
		}
		var rec Record
		if err := json.Unmarshal(data, &rec); err == nil && rec.SessionID != sessionID {
			// A newer session owns the record now; leave it alone.
			return nil
		}
		err = r.store.DeleteRev(identityID, rev)
		if err == nil {
			return nil
		}
		if !errors.Is(err, kv.ErrConflict) {
			return fmt.Errorf("clear presence %s: %w", identityID, err)
		}
	}
	return fmt.Errorf("clear presence %s: %w", identityID, kv.ErrConflict)
}

// ListOnline returns every identity with a fresh online record.
func (r *Registry) ListOnline() ([]string, error) {
	keys, err := r.store.Keys()
	if err != nil {
		return nil, fmt.Errorf("list online: %w", err)
	}
	online := make([]string, 0, len(keys))
	for _, key := range keys {
		rec, ok, err := r.get(key)
		if err != nil {
			return nil, err
		}
		if ok && rec.Online {
			online = append(online, key)
		}
	}
	return online, nil
}

func (r *Registry) get(identityID string) (Record, bool, error) {
	data, err := r.store.Get(identityID)
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return Record{}, false, nil
		}
		return Record{}, false, fmt.Errorf("get presence %s: %w", identityID, err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		slog.Warn("Corrupt presence record", "identity", identityID, "error", err)
		return Record{}, false, nil
	}
	if r.expired(rec) {
		return Record{}, false, nil
	}
	return rec, true, nil
}

func (r *Registry) put(identityID string, rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal presence %s: %w", identityID, err)
	}
	if err := r.store.Put(identityID, data); err != nil {
		return fmt.Errorf("put presence %s: %w", identityID, err)
	}
	return nil
}

func (r *Registry) expired(rec Record) bool {
	if r.ttl <= 0 {
		return false
	}
	return r.now().UnixMilli()-rec.LastSeen > r.ttl.Milliseconds()
}
