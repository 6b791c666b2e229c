// Package ledger records each confirmed identity's attendance exactly once per session.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrAlreadyRecorded reports that the identity was already recorded this
// session. It marks an idempotent no-op, not a failure.
var ErrAlreadyRecorded = errors.New("attendance already recorded")

// Record is one attendance event.
type Record struct {
	SessionID   uuid.UUID `json:"session_id"`
	IdentityID  int64     `json:"identity_id"`
	DisplayName string    `json:"display_name"`
	Confidence  float64   `json:"confidence"`
	Timestamp   time.Time `json:"timestamp"`
}

// Sink receives every newly recorded attendance event.
type Sink interface {
	RecordAttendance(ctx context.Context, rec Record) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, rec Record) error

// RecordAttendance calls f.
func (f SinkFunc) RecordAttendance(ctx context.Context, rec Record) error { return f(ctx, rec) }

// Option configures a Ledger.
type Option func(*Ledger)

// WithSinks adds sinks, called in order on each new record.
func WithSinks(sinks ...Sink) Option {
	return func(l *Ledger) {
		for _, s := range sinks {
			if s != nil {
				l.sinks = append(l.sinks, s)
			}
		}
	}
}

// WithRecorded marks identities recorded by an earlier run of the same session.
func WithRecorded(ids ...int64) Option {
	return func(l *Ledger) {
		for _, id := range ids {
			l.recorded[id] = struct{}{}
		}
	}
}

// Ledger is session scoped and owned by one worker. It is not safe for concurrent use.
type Ledger struct {
	sessionID uuid.UUID
	recorded  map[int64]struct{}
	records   []Record
	sinks     []Sink
	failed    []delivery
}

// delivery is a sink call that failed and can be retried.
type delivery struct {
	sink Sink
	rec  Record
}

// New returns an empty ledger for the session.
func New(sessionID uuid.UUID, opts ...Option) *Ledger {
	l := &Ledger{
		sessionID: sessionID,
		recorded:  make(map[int64]struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// SessionID returns the session this ledger belongs to.
func (l *Ledger) SessionID() uuid.UUID { return l.sessionID }

// Record marks the identity as present and forwards the record to the sinks.
//
// The identity is marked before any sink runs. A sink failure is returned
// and kept for Redeliver but never unmarks it, so a retry cannot double-write.
func (l *Ledger) Record(ctx context.Context, identityID int64, displayName string, confidence float64, ts time.Time) (Record, error) {
	if _, ok := l.recorded[identityID]; ok {
		return Record{}, fmt.Errorf("identity %d: %w", identityID, ErrAlreadyRecorded)
	}
	l.recorded[identityID] = struct{}{}

	rec := Record{
		SessionID:   l.sessionID,
		IdentityID:  identityID,
		DisplayName: displayName,
		Confidence:  confidence,
		Timestamp:   ts,
	}
	l.records = append(l.records, rec)

	var errs []error
	for _, s := range l.sinks {
		if err := s.RecordAttendance(ctx, rec); err != nil {
			l.failed = append(l.failed, delivery{sink: s, rec: rec})
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return rec, fmt.Errorf("forward attendance for identity %d: %w", identityID, errors.Join(errs...))
	}
	return rec, nil
}

// Redeliver retries every failed sink call once, in record order. Calls that
// fail again stay pending.
func (l *Ledger) Redeliver(ctx context.Context) error {
	var (
		still []delivery
		errs  []error
	)
	for _, d := range l.failed {
		if err := d.sink.RecordAttendance(ctx, d.rec); err != nil {
			still = append(still, d)
			errs = append(errs, fmt.Errorf("identity %d: %w", d.rec.IdentityID, err))
		}
	}
	l.failed = still
	return errors.Join(errs...)
}

// Undelivered returns the records at least one sink has not accepted, oldest first.
func (l *Ledger) Undelivered() []Record {
	var out []Record
	seen := make(map[int64]bool, len(l.failed))
	for _, d := range l.failed {
		if !seen[d.rec.IdentityID] {
			seen[d.rec.IdentityID] = true
			out = append(out, d.rec)
		}
	}
	return out
}

// Has reports whether the identity is recorded.
func (l *Ledger) Has(identityID int64) bool {
	_, ok := l.recorded[identityID]
	return ok
}

// Records returns the records appended this run, oldest first.
func (l *Ledger) Records() []Record {
	out := make([]Record, len(l.records))
	copy(out, l.records)
	return out
}

// Len returns the number of recorded identities, including resumed ones.
func (l *Ledger) Len() int { return len(l.recorded) }
