package recovery

import (
	"errors"
	"fmt"
	"sync"

	"github.com/wudi/pagedeck/render"
)

// StrictStrategy surfaces every failure without logging.
type StrictStrategy struct{}

func NewStrictStrategy() *StrictStrategy {
	return &StrictStrategy{}
}

func (s *StrictStrategy) OnError(ctx Context, err error, location Location) Action {
	return ActionFail
}

// DefaultLenientLimit is the number of failures a LenientStrategy keeps.
const DefaultLenientLimit = 64

// LenientStrategy records the most recent failures and answers ActionWarn.
// Older entries are dropped once Limit is reached. It is safe for
// concurrent use.
type LenientStrategy struct {
	Limit int

	mu      sync.Mutex
	errors  []error
	dropped int
}

func NewLenientStrategy() *LenientStrategy {
	return &LenientStrategy{Limit: DefaultLenientLimit}
}

func (s *LenientStrategy) OnError(ctx Context, err error, location Location) Action {
	s.mu.Lock()
	defer s.mu.Unlock()
	limit := s.Limit
	if limit <= 0 {
		limit = DefaultLenientLimit
	}
	if len(s.errors) >= limit {
		n := len(s.errors) - limit + 1
		s.errors = append(s.errors[:0], s.errors[n:]...)
		s.dropped += n
	}
	s.errors = append(s.errors, fmt.Errorf("[%s] page %d (%s#%d): %w", location.Component, location.Index, location.SourceID, location.PageNumber, err))
	return ActionWarn
}

// Errors returns the recorded failures, oldest first.
func (s *LenientStrategy) Errors() []error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]error(nil), s.errors...)
}

// Dropped returns how many failures fell out of the record.
func (s *LenientStrategy) Dropped() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// RetryStrategy retries transient failures once and fails permanent ones
// (missing source, access denied) immediately.
type RetryStrategy struct{}

func NewRetryStrategy() *RetryStrategy {
	return &RetryStrategy{}
}

func (s *RetryStrategy) OnError(ctx Context, err error, location Location) Action {
	if render.IsPermanent(err) || errors.Is(err, render.ErrCancelled) {
		return ActionFail
	}
	return ActionFix
}

// QuietStrategy leaves failed pages as plain placeholders.
type QuietStrategy struct{}

func (QuietStrategy) OnError(Context, error, Location) Action { return ActionSkip }
