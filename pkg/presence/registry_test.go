package presence

import (
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/Shubh4mPatel/MeetRub-Socket/pkg/kv"
)

const testTTL = time.Hour

func newTestRegistry() (*Registry, *time.Time) {
	now := time.Unix(1_700_000_000, 0)
	clock := func() time.Time { return now }
	reg := NewRegistry(kv.NewMemWithClock(testTTL, clock), testTTL).WithClock(clock)
	return reg, &now
}

func TestRegistry_RegisterAndQuery(t *testing.T) {
	reg, _ := newTestRegistry()

	if err := reg.Register("u1", "s1"); err != nil {
		t.Fatalf("Register: %v", err)
	}

	online, err := reg.IsOnline("u1")
	if err != nil || !online {
		t.Errorf("IsOnline = %v, %v, want true", online, err)
	}
	sessionID, ok, err := reg.SessionID("u1")
	if err != nil || !ok || sessionID != "s1" {
		t.Errorf("SessionID = %q, %v, %v, want s1", sessionID, ok, err)
	}
	if _, ok, _ := reg.ActiveRoom("u1"); ok {
		t.Error("ActiveRoom should be unset after Register")
	}
}

func TestRegistry_LastRegisteredSessionWins(t *testing.T) {
	reg, _ := newTestRegistry()

	reg.Register("u1", "s1")
	reg.Register("u1", "s2")

	sessionID, _, _ := reg.SessionID("u1")
	if sessionID != "s2" {
		t.Errorf("SessionID = %q, want s2 (last write wins)", sessionID)
	}
}

func TestRegistry_HeartbeatKeepsOnline(t *testing.T) {
	reg, now := newTestRegistry()

	reg.Register("u1", "s1")

	// Repeated heartbeats inside the TTL window keep the record fresh far
	// beyond a single TTL.
	for i := 0; i < 4; i++ {
		*now = now.Add(testTTL / 2)
		if err := reg.Heartbeat("u1"); err != nil {
			t.Fatalf("Heartbeat: %v", err)
		}
	}

	online, err := reg.IsOnline("u1")
	if err != nil || !online {
		t.Errorf("IsOnline after heartbeats = %v, %v, want true", online, err)
	}
}

func TestRegistry_TTLExpiry(t *testing.T) {
	reg, now := newTestRegistry()

	reg.Register("u1", "s1")
	*now = now.Add(testTTL + time.Second)

	online, err := reg.IsOnline("u1")
	if err != nil {
		t.Fatalf("IsOnline: %v", err)
	}
	if online {
		t.Error("IsOnline after TTL = true, want false (expired record is absent)")
	}
	if _, ok, _ := reg.SessionID("u1"); ok {
		t.Error("SessionID after TTL should report absent")
	}
}

func TestRegistry_HeartbeatWithoutRecord(t *testing.T) {
	reg, _ := newTestRegistry()

	// Fails silently; the caller is expected to re-register.
	if err := reg.Heartbeat("ghost"); err != nil {
		t.Errorf("Heartbeat without record = %v, want nil", err)
	}
	if online, _ := reg.IsOnline("ghost"); online {
		t.Error("Heartbeat must not create a record")
	}
}

func TestRegistry_SetActiveRoom(t *testing.T) {
	reg, _ := newTestRegistry()

	reg.Register("u1", "s1")
	if err := reg.SetActiveRoom("u1", "u1-u2"); err != nil {
		t.Fatalf("SetActiveRoom: %v", err)
	}

	room, ok, err := reg.ActiveRoom("u1")
	if err != nil || !ok || room != "u1-u2" {
		t.Errorf("ActiveRoom = %q, %v, %v, want u1-u2", room, ok, err)
	}

	if err := reg.SetActiveRoom("u1", ""); err != nil {
		t.Fatalf("SetActiveRoom clear: %v", err)
	}
	if _, ok, _ := reg.ActiveRoom("u1"); ok {
		t.Error("ActiveRoom should be cleared")
	}
}

func TestRegistry_Clear(t *testing.T) {
	reg, _ := newTestRegistry()

	reg.Register("u1", "s1")
	if err := reg.Clear("u1"); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if online, _ := reg.IsOnline("u1"); online {
		t.Error("IsOnline after Clear = true, want false")
	}
	// Clearing twice is harmless.
	if err := reg.Clear("u1"); err != nil {
		t.Errorf("second Clear: %v", err)
	}
}

func TestRegistry_ListOnline(t *testing.T) {
	reg, now := newTestRegistry()

	reg.Register("u1", "s1")
	reg.Register("u2", "s2")
	*now = now.Add(testTTL / 2)
	reg.Register("u3", "s3")
	*now = now.Add(testTTL/2 + time.Second) // u1, u2 now expired

	online, err := reg.ListOnline()
	if err != nil {
		t.Fatalf("ListOnline: %v", err)
	}
	sort.Strings(online)
	if len(online) != 1 || online[0] != "u3" {
		t.Errorf("ListOnline = %v, want [u3]", online)
	}
}

// interleavedStore lets another writer slip in between the first GetRev and
// the Update that follows it.
type interleavedStore struct {
	kv.Store
	mu     sync.Mutex
	fired  bool
	during func()
}

func (s *interleavedStore) GetRev(key string) ([]byte, uint64, error) {
	data, rev, err := s.Store.GetRev(key)
	s.mu.Lock()
	fire := !s.fired && s.during != nil
	s.fired = true
	s.mu.Unlock()
	if fire {
		s.during()
	}
	return data, rev, err
}

func TestRegistry_HeartbeatPreservesConcurrentFocus(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	clock := func() time.Time { return now }
	mem := kv.NewMemWithClock(testTTL, clock)
	base := NewRegistry(mem, testTTL).WithClock(clock)
	wrapped := &interleavedStore{Store: mem}
	reg := NewRegistry(wrapped, testTTL).WithClock(clock)

	if err := base.Register("u1", "s1"); err != nil {
		t.Fatalf("Register: %v", err)
	}
	wrapped.during = func() {
		if err := base.SetActiveRoom("u1", "u1-u2"); err != nil {
			t.Errorf("SetActiveRoom: %v", err)
		}
	}

	if err := reg.Heartbeat("u1"); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}

	room, ok, err := base.ActiveRoom("u1")
	if err != nil {
		t.Fatalf("ActiveRoom: %v", err)
	}
	if !ok || room != "u1-u2" {
		t.Errorf("ActiveRoom = %q, %v; heartbeat erased the focus set while it was in flight", room, ok)
	}
}

func TestRegistry_HeartbeatDoesNotResurrectReplacedSession(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	clock := func() time.Time { return now }
	mem := kv.NewMemWithClock(testTTL, clock)
	base := NewRegistry(mem, testTTL).WithClock(clock)
	wrapped := &interleavedStore{Store: mem}
	reg := NewRegistry(wrapped, testTTL).WithClock(clock)

	if err := base.Register("u1", "s1"); err != nil {
		t.Fatalf("Register: %v", err)
	}
	// The identity reconnects while the old session's heartbeat is mid-flight.
	wrapped.during = func() {
		if err := base.Register("u1", "s2"); err != nil {
			t.Errorf("Register: %v", err)
		}
	}

	if err := reg.Heartbeat("u1"); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}

	sid, ok, err := base.SessionID("u1")
	if err != nil || !ok {
		t.Fatalf("SessionID = %v, %v", ok, err)
	}
	if sid != "s2" {
		t.Errorf("SessionID = %q, want s2: a stale heartbeat restored the replaced session", sid)
	}
}

func TestRegistry_ClearSessionLeavesNewerSession(t *testing.T) {
	reg, _ := newTestRegistry()

	reg.Register("u1", "s1")
	reg.Register("u1", "s2") // reconnect before the old transport drops

	// The superseded transport's cleanup must not delete the winner's record.
	if err := reg.ClearSession("u1", "s1"); err != nil {
		t.Fatalf("ClearSession: %v", err)
	}
	online, err := reg.IsOnline("u1")
	if err != nil || !online {
		t.Fatalf("IsOnline = %v, %v after stale clear, want online", online, err)
	}
	if sid, ok, _ := reg.SessionID("u1"); !ok || sid != "s2" {
		t.Errorf("SessionID = %q, %v, want s2", sid, ok)
	}

	if err := reg.ClearSession("u1", "s2"); err != nil {
		t.Fatalf("ClearSession: %v", err)
	}
	if online, _ := reg.IsOnline("u1"); online {
		t.Error("still online after the owning session cleared")
	}

	// Clearing an absent record stays a no-op.
	if err := reg.ClearSession("u1", "s2"); err != nil {
		t.Errorf("ClearSession on absent record: %v", err)
	}
}
