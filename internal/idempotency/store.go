package idempotency

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"bot-engine/pkg/db"
)

// Status of an idempotency record. IN_PROGRESS moves to exactly one of
// COMMITTED or FAILED; terminal records never change again.
const (
	StatusInProgress = "IN_PROGRESS"
	StatusCommitted  = "COMMITTED"
	StatusFailed     = "FAILED"
)

var (
	// ErrConcurrentDuplicate is returned when a key is already IN_PROGRESS:
	// another attempt holds it and the caller must not execute.
	ErrConcurrentDuplicate = errors.New("idempotency key already in progress")
	// ErrKeyExpired is returned when a key's record has passed its TTL.
	// Expired keys are treated as unknown and never resurrected.
	ErrKeyExpired = errors.New("idempotency key expired")
	// ErrUnknownKey is returned by Commit/Fail for a key never begun.
	ErrUnknownKey = errors.New("idempotency key unknown")
	// ErrAlreadyFinished is returned when Commit/Fail races a finished record.
	ErrAlreadyFinished = errors.New("idempotency key already finished")
)

// Record is the stored outcome for a key.
type Record struct {
	Key       string
	BotID     string
	Status    string
	Result    string // JSON payload of the stored outcome
	Reason    string // machine-readable failure reason
	CreatedAt time.Time
	ExpiresAt time.Time
}

func (r Record) terminal() bool {
	return r.Status == StatusCommitted || r.Status == StatusFailed
}

// Store provides at-most-once execution records keyed by client idempotency
// key. With a database it survives restarts; with nil it is memory-only
// (paper mode, tests).
type Store struct {
	db  *db.Database
	ttl time.Duration

	mu  sync.Mutex
	mem map[string]*Record
}

// New creates a store backed by the database. ttl bounds how long records are
// retained; pass 0 for the 24h default.
func New(database *db.Database, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Store{
		db:  database,
		ttl: ttl,
		mem: make(map[string]*Record),
	}
}

// NewInMemory creates a store without persistence.
func NewInMemory(ttl time.Duration) *Store {
	return New(nil, ttl)
}

// Begin reserves the key for this attempt. Outcomes:
//   - fresh key: an IN_PROGRESS record is created, isNew=true
//   - terminal record within TTL: the record is returned, isNew=false
//     (caller replays the stored outcome without executing)
//   - IN_PROGRESS record: ErrConcurrentDuplicate
//   - record past TTL: ErrKeyExpired
func (s *Store) Begin(ctx context.Context, key, botID string) (Record, bool, error) {
	now := time.Now()
	rec := Record{
		Key:       key,
		BotID:     botID,
		Status:    StatusInProgress,
		CreatedAt: now,
		ExpiresAt: now.Add(s.ttl),
	}

	if s.db == nil {
		return s.beginMem(rec, now)
	}

	inserted, err := s.db.InsertIdempotencyKey(ctx, db.IdempotencyKey{
		Key:       rec.Key,
		BotID:     rec.BotID,
		Status:    rec.Status,
		CreatedAt: rec.CreatedAt,
		ExpiresAt: rec.ExpiresAt,
	})
	if err != nil {
		return Record{}, false, err
	}
	if inserted {
		return rec, true, nil
	}

	existing, err := s.db.GetIdempotencyKey(ctx, key)
	if err != nil {
		// Lost a race with the purge loop between insert and read.
		if errors.Is(err, db.ErrNotFound) {
			return Record{}, false, ErrKeyExpired
		}
		return Record{}, false, err
	}
	got := fromRow(existing)
	if now.After(got.ExpiresAt) {
		return Record{}, false, ErrKeyExpired
	}
	if !got.terminal() {
		return Record{}, false, ErrConcurrentDuplicate
	}
	return got, false, nil
}

func (s *Store) beginMem(rec Record, now time.Time) (Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.mem[rec.Key]
	if ok && now.After(existing.ExpiresAt) {
		return Record{}, false, ErrKeyExpired
	}
	if !ok {
		cp := rec
		s.mem[rec.Key] = &cp
		return rec, true, nil
	}
	if !existing.terminal() {
		return Record{}, false, ErrConcurrentDuplicate
	}
	return *existing, false, nil
}

// Commit transitions the key to COMMITTED with the serialized result. The
// transition is conditional on IN_PROGRESS: a second finisher gets
// ErrAlreadyFinished and the first write stands.
func (s *Store) Commit(ctx context.Context, key, result string) error {
	return s.finish(ctx, key, StatusCommitted, result, "")
}

// Fail transitions the key to FAILED with a reason code and detail.
func (s *Store) Fail(ctx context.Context, key, reason, detail string) error {
	return s.finish(ctx, key, StatusFailed, detail, reason)
}

func (s *Store) finish(ctx context.Context, key, status, result, reason string) error {
	if s.db == nil {
		s.mu.Lock()
		defer s.mu.Unlock()
		rec, ok := s.mem[key]
		if !ok {
			return ErrUnknownKey
		}
		if rec.terminal() {
			return ErrAlreadyFinished
		}
		rec.Status = status
		rec.Result = result
		rec.Reason = reason
		return nil
	}

	err := s.db.FinishIdempotencyKey(ctx, key, status, result, reason)
	if errors.Is(err, db.ErrStaleStatus) {
		if _, getErr := s.db.GetIdempotencyKey(ctx, key); errors.Is(getErr, db.ErrNotFound) {
			return ErrUnknownKey
		}
		return ErrAlreadyFinished
	}
	return err
}

// Get returns the record for a key, or ErrUnknownKey / ErrKeyExpired.
func (s *Store) Get(ctx context.Context, key string) (Record, error) {
	now := time.Now()

	if s.db == nil {
		s.mu.Lock()
		defer s.mu.Unlock()
		rec, ok := s.mem[key]
		if !ok {
			return Record{}, ErrUnknownKey
		}
		if now.After(rec.ExpiresAt) {
			return Record{}, ErrKeyExpired
		}
		return *rec, nil
	}

	row, err := s.db.GetIdempotencyKey(ctx, key)
	if errors.Is(err, db.ErrNotFound) {
		return Record{}, ErrUnknownKey
	}
	if err != nil {
		return Record{}, err
	}
	rec := fromRow(row)
	if now.After(rec.ExpiresAt) {
		return Record{}, ErrKeyExpired
	}
	return rec, nil
}

// PurgeExpired deletes records past their TTL and returns how many went.
func (s *Store) PurgeExpired(ctx context.Context) (int64, error) {
	now := time.Now()

	if s.db == nil {
		s.mu.Lock()
		defer s.mu.Unlock()
		var n int64
		for k, rec := range s.mem {
			if now.After(rec.ExpiresAt) {
				delete(s.mem, k)
				n++
			}
		}
		return n, nil
	}
	return s.db.DeleteExpiredIdempotencyKeys(ctx, now)
}

// StaleInProgress returns IN_PROGRESS records older than the cutoff age.
// These are attempts interrupted mid-flight; the coordinator routes them to
// reconciliation on startup.
func (s *Store) StaleInProgress(ctx context.Context, age time.Duration) ([]Record, error) {
	cutoff := time.Now().Add(-age)

	if s.db == nil {
		s.mu.Lock()
		defer s.mu.Unlock()
		var out []Record
		for _, rec := range s.mem {
			if rec.Status == StatusInProgress && rec.CreatedAt.Before(cutoff) {
				out = append(out, *rec)
			}
		}
		return out, nil
	}

	rows, err := s.db.ListStaleInProgressKeys(ctx, cutoff)
	if err != nil {
		return nil, err
	}
	out := make([]Record, 0, len(rows))
	for i := range rows {
		out = append(out, fromRow(&rows[i]))
	}
	return out, nil
}

// RunPurgeLoop purges expired records on the given interval until ctx ends.
func (s *Store) RunPurgeLoop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := s.PurgeExpired(ctx); err != nil {
				log.Printf("idempotency: purge failed: %v", err)
			} else if n > 0 {
				log.Printf("idempotency: purged %d expired keys", n)
			}
		}
	}
}

func fromRow(k *db.IdempotencyKey) Record {
	return Record{
		Key:       k.Key,
		BotID:     k.BotID,
		Status:    k.Status,
		Result:    k.Result,
		Reason:    k.Reason,
		CreatedAt: k.CreatedAt,
		ExpiresAt: k.ExpiresAt,
	}
}
