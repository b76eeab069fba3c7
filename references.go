package fly402

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ReferenceStatus is the lifecycle state of an issued reference.
type ReferenceStatus string

const (
	ReferencePending  ReferenceStatus = "pending"
	ReferenceConsumed ReferenceStatus = "consumed"
)

var (
	// ErrReferenceNotFound reports a reference that was never issued or
	// has been purged after expiry.
	ErrReferenceNotFound = errors.New("fly402: reference not found")
	// ErrReferenceConsumed reports a reference that already settled a
	// payment.
	ErrReferenceConsumed = errors.New("fly402: reference already consumed")
	// ErrReferenceExists reports an Issue for a reference already on
	// record.
	ErrReferenceExists = errors.New("fly402: reference already issued")
)

// ReferenceRecord is an issued challenge as held by a [ReferenceStore].
type ReferenceRecord struct {
	Request              PaymentRequest
	Status               ReferenceStatus
	TransactionSignature string
	IssuedAt             time.Time
	ConsumedAt           time.Time
}

// ReferenceStore is the server's registry of issued references. Consume
// must be a single atomic check-and-set: of any number of concurrent
// Consume calls for one pending reference exactly one returns nil.
type ReferenceStore interface {
	// Issue records req as pending.
	Issue(ctx context.Context, req PaymentRequest) error
	// Lookup returns the record for reference or [ErrReferenceNotFound].
	Lookup(ctx context.Context, reference string) (*ReferenceRecord, error)
	// Consume marks a pending reference as settled by transactionSignature.
	// It fails with [ErrReferenceConsumed] or [ErrReferenceNotFound].
	Consume(ctx context.Context, reference, transactionSignature string) error
	// Status reports the state of reference.
	Status(ctx context.Context, reference string) (ReferenceStatus, error)
}

// DefaultPurgeGrace is how long a reference outlives its expiry before
// the in-memory store forgets it.
const DefaultPurgeGrace = time.Minute

// MemoryReferenceStore is a goroutine-safe in-process [ReferenceStore].
// Entries are purged lazily once ExpiresAt plus the purge grace has
// passed; a purged reference reads as not found.
type MemoryReferenceStore struct {
	mu         sync.Mutex
	records    map[string]*ReferenceRecord
	clock      func() time.Time
	purgeGrace time.Duration
	lastSweep  time.Time
}

var _ ReferenceStore = (*MemoryReferenceStore)(nil)

// MemoryStoreOption customizes a [MemoryReferenceStore].
type MemoryStoreOption func(*MemoryReferenceStore)

// MemoryStoreWithClock provides deterministic time in tests.
func MemoryStoreWithClock(fn func() time.Time) MemoryStoreOption {
	return func(s *MemoryReferenceStore) {
		s.clock = fn
	}
}

// MemoryStoreWithPurgeGrace overrides [DefaultPurgeGrace].
func MemoryStoreWithPurgeGrace(d time.Duration) MemoryStoreOption {
	if d < 0 {
		panic("fly402: purge grace cannot be negative")
	}
	return func(s *MemoryReferenceStore) {
		s.purgeGrace = d
	}
}

// NewMemoryReferenceStore creates an empty store.
func NewMemoryReferenceStore(opts ...MemoryStoreOption) *MemoryReferenceStore {
	s := &MemoryReferenceStore{
		records:    make(map[string]*ReferenceRecord),
		clock:      time.Now,
		purgeGrace: DefaultPurgeGrace,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(s)
	}
	return s
}

// Issue implements [ReferenceStore].
func (s *MemoryReferenceStore) Issue(ctx context.Context, req PaymentRequest) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock()
	s.sweepLocked(now)
	if _, ok := s.liveLocked(req.Reference, now); ok {
		return ErrReferenceExists
	}
	s.records[req.Reference] = &ReferenceRecord{
		Request:  req,
		Status:   ReferencePending,
		IssuedAt: now,
	}
	return nil
}

// Lookup implements [ReferenceStore].
func (s *MemoryReferenceStore) Lookup(ctx context.Context, reference string) (*ReferenceRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.liveLocked(reference, s.clock())
	if !ok {
		return nil, ErrReferenceNotFound
	}
	out := *rec
	return &out, nil
}

// Consume implements [ReferenceStore].
func (s *MemoryReferenceStore) Consume(ctx context.Context, reference, transactionSignature string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock()
	rec, ok := s.liveLocked(reference, now)
	if !ok {
		return ErrReferenceNotFound
	}
	if rec.Status == ReferenceConsumed {
		return ErrReferenceConsumed
	}
	rec.Status = ReferenceConsumed
	rec.TransactionSignature = transactionSignature
	rec.ConsumedAt = now
	return nil
}

// Status implements [ReferenceStore].
func (s *MemoryReferenceStore) Status(ctx context.Context, reference string) (ReferenceStatus, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.liveLocked(reference, s.clock())
	if !ok {
		return "", ErrReferenceNotFound
	}
	return rec.Status, nil
}

// Len returns the number of records currently held, purged or not.
func (s *MemoryReferenceStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

func (s *MemoryReferenceStore) liveLocked(reference string, now time.Time) (*ReferenceRecord, bool) {
	rec, ok := s.records[reference]
	if !ok {
		return nil, false
	}
	if s.purgeableLocked(rec, now) {
		delete(s.records, reference)
		return nil, false
	}
	return rec, true
}

func (s *MemoryReferenceStore) purgeableLocked(rec *ReferenceRecord, now time.Time) bool {
	return !now.Before(rec.Request.ExpiresAt.Add(s.purgeGrace))
}

// sweepLocked drops purgeable entries at most once per purge grace so
// references that are never looked up again do not accumulate.
func (s *MemoryReferenceStore) sweepLocked(now time.Time) {
	if now.Sub(s.lastSweep) < s.purgeGrace {
		return
	}
	s.lastSweep = now
	for ref, rec := range s.records {
		if s.purgeableLocked(rec, now) {
			delete(s.records, ref)
		}
	}
}
