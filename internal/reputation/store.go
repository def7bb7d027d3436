// Package reputation tracks per-address rolling history, cooldown timers and
// whitelist membership for the response engine. State is sharded by address
// so that unrelated sources never contend on the same lock.
package reputation

import (
	"hash/fnv"
	"sync"
	"time"

	"github.com/jmerrifield20/autoshield/internal/event"
)

// CooldownKind selects which cooldown timer an operation refers to.
type CooldownKind string

const (
	CooldownScan  CooldownKind = "scan"
	CooldownBlock CooldownKind = "block"
)

const shardCount = 64

// Config holds store tuning. Zero values fall back to the documented defaults.
type Config struct {
	ScanCooldown  time.Duration // default 5 minutes
	BlockCooldown time.Duration // default 1 hour
	Retention     time.Duration // event history window, default 24 hours
	Whitelist     []string      // addresses that are never scored or blocked
}

// HistoryEntry is a single past event retained for an address.
type HistoryEntry struct {
	Type event.Type
	At   time.Time
}

// Snapshot is a read-only view of an address record taken under the shard
// lock. The analyzer consumes snapshots; it never touches the store directly.
type Snapshot struct {
	Address     string
	History     []HistoryEntry // within the retention window, oldest first
	LastScanAt  time.Time
	LastBlockAt time.Time
	Blocked     bool
	Whitelisted bool
}

// record is the mutable per-address state. Guarded by its shard's mutex.
type record struct {
	history     []HistoryEntry
	lastScanAt  time.Time
	lastBlockAt time.Time
	blocked     bool
}

type shard struct {
	mu      sync.Mutex
	records map[string]*record
}

// Store is the sharded reputation store.
type Store struct {
	shards    [shardCount]shard
	whitelist map[string]struct{}
	cfg       Config
	now       func() time.Time // swapped in tests
}

// NewStore creates a Store with the given configuration.
func NewStore(cfg Config) *Store {
	if cfg.ScanCooldown == 0 {
		cfg.ScanCooldown = 5 * time.Minute
	}
	if cfg.BlockCooldown == 0 {
		cfg.BlockCooldown = time.Hour
	}
	if cfg.Retention == 0 {
		cfg.Retention = 24 * time.Hour
	}

	s := &Store{cfg: cfg, now: func() time.Time { return time.Now().UTC() }}
	for i := range s.shards {
		s.shards[i].records = make(map[string]*record)
	}
	s.whitelist = make(map[string]struct{}, len(cfg.Whitelist))
	for _, addr := range cfg.Whitelist {
		if addr != "" {
			s.whitelist[addr] = struct{}{}
		}
	}
	return s
}

func (s *Store) shardFor(addr string) *shard {
	h := fnv.New32a()
	h.Write([]byte(addr)) //nolint:errcheck
	return &s.shards[h.Sum32()%shardCount]
}

// getOrCreate must be called with the shard lock held.
func (sh *shard) getOrCreate(addr string) *record {
	r, ok := sh.records[addr]
	if !ok {
		r = &record{}
		sh.records[addr] = r
	}
	return r
}

// prune drops history entries older than the retention window. Cooldown
// timers are deliberately untouched. Caller holds the shard lock.
func (s *Store) prune(r *record) {
	cutoff := s.now().Add(-s.cfg.Retention)
	i := 0
	for ; i < len(r.history); i++ {
		if r.history[i].At.After(cutoff) {
			break
		}
	}
	if i > 0 {
		r.history = append([]HistoryEntry(nil), r.history[i:]...)
	}
}

// IsWhitelisted reports whether addr is on the static whitelist.
func (s *Store) IsWhitelisted(addr string) bool {
	_, ok := s.whitelist[addr]
	return ok
}

// RecordEvent appends an event to the address history and returns a snapshot
// taken in the same critical section, so the analyzer sees the event it is
// scoring included in the history.
func (s *Store) RecordEvent(addr string, typ event.Type, at time.Time) Snapshot {
	sh := s.shardFor(addr)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	r := sh.getOrCreate(addr)
	s.prune(r)
	r.history = append(r.history, HistoryEntry{Type: typ, At: at})
	return s.snapshotLocked(addr, r)
}

// Snapshot returns the current view of an address without mutating history.
func (s *Store) Snapshot(addr string) Snapshot {
	sh := s.shardFor(addr)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	r := sh.getOrCreate(addr)
	s.prune(r)
	return s.snapshotLocked(addr, r)
}

func (s *Store) snapshotLocked(addr string, r *record) Snapshot {
	hist := make([]HistoryEntry, len(r.history))
	copy(hist, r.history)
	return Snapshot{
		Address:     addr,
		History:     hist,
		LastScanAt:  r.lastScanAt,
		LastBlockAt: r.lastBlockAt,
		Blocked:     r.blocked,
		Whitelisted: s.IsWhitelisted(addr),
	}
}

// CooldownActive reports whether the given cooldown is still running for addr.
func (s *Store) CooldownActive(addr string, kind CooldownKind) bool {
	sh := s.shardFor(addr)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	return s.cooldownActiveLocked(sh.getOrCreate(addr), kind)
}

func (s *Store) cooldownActiveLocked(r *record, kind CooldownKind) bool {
	now := s.now()
	switch kind {
	case CooldownScan:
		return !r.lastScanAt.IsZero() && now.Before(r.lastScanAt.Add(s.cfg.ScanCooldown))
	case CooldownBlock:
		return !r.lastBlockAt.IsZero() && now.Before(r.lastBlockAt.Add(s.cfg.BlockCooldown))
	}
	return false
}

// ReserveCooldown atomically checks and sets a cooldown timer. It returns
// true when the caller won the reservation and may issue the action; false
// when the cooldown was already active. This is the single check-and-set
// step that prevents duplicate action storms under concurrent bursts for the
// same address.
func (s *Store) ReserveCooldown(addr string, kind CooldownKind) bool {
	sh := s.shardFor(addr)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	r := sh.getOrCreate(addr)
	if s.cooldownActiveLocked(r, kind) {
		return false
	}

	now := s.now()
	switch kind {
	case CooldownScan:
		if now.After(r.lastScanAt) {
			r.lastScanAt = now
		}
	case CooldownBlock:
		if now.After(r.lastBlockAt) {
			r.lastBlockAt = now
		}
	}
	return true
}

// MarkBlocked flags the address as currently blocked.
func (s *Store) MarkBlocked(addr string) {
	sh := s.shardFor(addr)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	sh.getOrCreate(addr).blocked = true
}

// MarkUnblocked clears the blocked flag, e.g. after a manual unblock.
func (s *Store) MarkUnblocked(addr string) {
	sh := s.shardFor(addr)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	sh.getOrCreate(addr).blocked = false
}
