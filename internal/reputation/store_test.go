package reputation

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jmerrifield20/autoshield/internal/event"
)

func newTestStore(t *testing.T, cfg Config) (*Store, *time.Time) {
	t.Helper()
	s := NewStore(cfg)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }
	return s, &now
}

func TestRecordEvent_includesCurrentEventInSnapshot(t *testing.T) {
	s, now := newTestStore(t, Config{})
	snap := s.RecordEvent("203.0.113.7", event.TypeFailedLogin, *now)
	if len(snap.History) != 1 {
		t.Fatalf("expected 1 history entry, got %d", len(snap.History))
	}
	if snap.History[0].Type != event.TypeFailedLogin {
		t.Errorf("unexpected type %q", snap.History[0].Type)
	}
}

func TestPrune_dropsOldHistoryKeepsCooldowns(t *testing.T) {
	s, now := newTestStore(t, Config{Retention: 24 * time.Hour})
	addr := "203.0.113.7"

	s.RecordEvent(addr, event.TypeFailedLogin, now.Add(-30*time.Hour))
	if !s.ReserveCooldown(addr, CooldownScan) {
		t.Fatal("first reservation must succeed")
	}

	snap := s.Snapshot(addr)
	if len(snap.History) != 0 {
		t.Errorf("expected stale history pruned, got %d entries", len(snap.History))
	}
	if snap.LastScanAt.IsZero() {
		t.Error("pruning must not clear cooldown timers")
	}
}

func TestReserveCooldown_isAtomicPerAddress(t *testing.T) {
	s, _ := newTestStore(t, Config{ScanCooldown: 5 * time.Minute})
	addr := "198.51.100.3"

	var wg sync.WaitGroup
	var mu sync.Mutex
	won := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if s.ReserveCooldown(addr, CooldownScan) {
				mu.Lock()
				won++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if won != 1 {
		t.Errorf("expected exactly one winner, got %d", won)
	}
}

func TestReserveCooldown_expiresAfterWindow(t *testing.T) {
	s, now := newTestStore(t, Config{ScanCooldown: 5 * time.Minute, BlockCooldown: time.Hour})
	addr := "198.51.100.3"

	if !s.ReserveCooldown(addr, CooldownScan) {
		t.Fatal("first scan reservation must succeed")
	}
	if s.ReserveCooldown(addr, CooldownScan) {
		t.Fatal("second scan reservation inside the window must fail")
	}
	// Block cooldown is independent of scan cooldown.
	if !s.ReserveCooldown(addr, CooldownBlock) {
		t.Fatal("block reservation must be independent of scan cooldown")
	}

	*now = now.Add(6 * time.Minute)
	if !s.ReserveCooldown(addr, CooldownScan) {
		t.Error("scan reservation must succeed after cooldown elapses")
	}
	if s.ReserveCooldown(addr, CooldownBlock) {
		t.Error("block cooldown (1h) must still be active after 6 minutes")
	}
}

func TestCooldownActive(t *testing.T) {
	s, now := newTestStore(t, Config{ScanCooldown: 5 * time.Minute})
	addr := "192.0.2.44"

	if s.CooldownActive(addr, CooldownScan) {
		t.Error("fresh address must have no active cooldown")
	}
	s.ReserveCooldown(addr, CooldownScan)
	if !s.CooldownActive(addr, CooldownScan) {
		t.Error("cooldown must be active after reservation")
	}
	*now = now.Add(10 * time.Minute)
	if s.CooldownActive(addr, CooldownScan) {
		t.Error("cooldown must lapse after the window")
	}
}

func TestWhitelist(t *testing.T) {
	s, _ := newTestStore(t, Config{Whitelist: []string{"127.0.0.1", "::1"}})
	if !s.IsWhitelisted("127.0.0.1") || !s.IsWhitelisted("::1") {
		t.Error("whitelisted addresses must be reported")
	}
	if s.IsWhitelisted("203.0.113.7") {
		t.Error("unlisted address must not be whitelisted")
	}
	if !s.Snapshot("127.0.0.1").Whitelisted {
		t.Error("snapshot must carry whitelist membership")
	}
}

func TestMarkBlocked(t *testing.T) {
	s, _ := newTestStore(t, Config{})
	addr := "203.0.113.200"
	s.MarkBlocked(addr)
	if !s.Snapshot(addr).Blocked {
		t.Error("expected blocked flag set")
	}
	s.MarkUnblocked(addr)
	if s.Snapshot(addr).Blocked {
		t.Error("expected blocked flag cleared")
	}
}

func TestStore_independentAddressesDoNotInterfere(t *testing.T) {
	s, now := newTestStore(t, Config{})
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			addr := fmt.Sprintf("10.0.%d.%d", i/250, i%250)
			s.RecordEvent(addr, event.TypeFailedLogin, *now)
			s.ReserveCooldown(addr, CooldownScan)
		}(i)
	}
	wg.Wait()

	for i := 0; i < 100; i++ {
		addr := fmt.Sprintf("10.0.%d.%d", i/250, i%250)
		if got := len(s.Snapshot(addr).History); got != 1 {
			t.Fatalf("%s: expected 1 event, got %d", addr, got)
		}
	}
}
