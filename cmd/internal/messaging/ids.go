package messaging

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// IDGenerator issues ULID message ids.
// Monotonic entropy keeps ids strictly increasing within the same millisecond, so id order
// agrees with created_at order for messages stamped by one generator.
type IDGenerator struct {
	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
}

// NewIDGenerator constructs an IDGenerator backed by crypto/rand.
func NewIDGenerator() *IDGenerator {
	return &IDGenerator{entropy: ulid.Monotonic(rand.Reader, 0)}
}

// New returns a new ULID string (26 chars) for the given time.
func (g *IDGenerator) New(now time.Time) (string, error) {
	if now.IsZero() {
		now = time.Now().UTC()
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	id, err := ulid.New(ulid.Timestamp(now), g.entropy)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// stamper assigns (id, created_at) to new messages.
// created_at never goes backwards for one stamper, even if the wall clock does.
type stamper struct {
	mu   sync.Mutex
	now  func() time.Time
	ids  *IDGenerator
	last time.Time
}

func newStamper(now func() time.Time, ids *IDGenerator) *stamper {
	if now == nil {
		now = time.Now
	}
	if ids == nil {
		ids = NewIDGenerator()
	}
	return &stamper{now: now, ids: ids}
}

func (s *stamper) next() (string, time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Postgres stores microseconds; truncate so the returned value equals what is read back.
	ts := s.now().UTC().Truncate(time.Microsecond)
	if ts.Before(s.last) {
		ts = s.last
	}
	s.last = ts

	id, err := s.ids.New(ts)
	if err != nil {
		return "", time.Time{}, err
	}
	return id, ts, nil
}
