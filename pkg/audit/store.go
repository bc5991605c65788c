package audit

import (
	"context"
	"time"

	"github.com/go-logr/logr"
)

// DefaultBufferSize is how many pending records the store holds
// before Record starts dropping each new record rather than blocking
// the driver goroutine that called it.
const DefaultBufferSize = 256

// DefaultFlushInterval is stored on each Store as flushInterval. Run
// does not read it: it writes each record as soon as it is received.
const DefaultFlushInterval = 2 * time.Second

// Store is the non-blocking write-behind mirror in front of
// Repository: Record always returns immediately, and a background
// goroutine owns the only database connection usage. A Data Storage
// outage degrades to dropped-and-logged records, never to a blocked
// or crashed driver.
type Store struct {
	repo   *Repository
	log    logr.Logger
	events chan *Record
	done   chan struct{}

	flushInterval time.Duration
}

// NewStore builds a Store around an already-constructed Repository.
// A nil repo makes every operation a no-op, so the caller can wire an
// audit mirror conditionally (it's an optional part of the data
// model) without branching at every call site.
func NewStore(repo *Repository, log logr.Logger) *Store {
	return &Store{
		repo:          repo,
		log:           log.WithName("audit-store"),
		events:        make(chan *Record, DefaultBufferSize),
		done:          make(chan struct{}),
		flushInterval: DefaultFlushInterval,
	}
}

// Run drains the event channel until ctx is cancelled, writing each
// record through the repository. It never panics on a write failure:
// it logs and continues, matching the "audit fails gracefully, the
// loop keeps going" requirement.
func (s *Store) Run(ctx context.Context) {
	defer close(s.done)
	if s.repo == nil {
		<-ctx.Done()
		return
	}

	for {
		select {
		case <-ctx.Done():
			s.drain(context.Background())
			return
		case rec := <-s.events:
			s.write(ctx, rec)
		}
	}
}

func (s *Store) drain(ctx context.Context) {
	for {
		select {
		case rec := <-s.events:
			s.write(ctx, rec)
		default:
			return
		}
	}
}

func (s *Store) write(ctx context.Context, rec *Record) {
	if _, err := s.repo.Create(ctx, rec); err != nil {
		s.log.Error(err, "failed to persist audit record, dropping", "kind", rec.Kind, "sprint_id", rec.SprintID)
	}
}

// Record enqueues rec without blocking. If the buffer is full (the
// database has fallen behind or is unreachable) the record is dropped
// and logged rather than backing up into the driver's hot path.
func (s *Store) Record(rec *Record) {
	if s.repo == nil {
		return
	}
	rec.OccurredAt = timeOrNow(rec.OccurredAt)
	select {
	case s.events <- rec:
	default:
		s.log.Info("audit buffer full, dropping record", "kind", rec.Kind, "sprint_id", rec.SprintID)
	}
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now()
	}
	return t
}

// Done returns a channel closed once Run has fully exited after its
// context was cancelled, for callers that want to wait out the final
// drain before process exit.
func (s *Store) Done() <-chan struct{} {
	return s.done
}
