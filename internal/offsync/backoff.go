package offsync

import "time"

// Clock abstracts wall-clock reads so retry eligibility is testable without
// real waits.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// SystemClock returns the real-time clock used outside of tests.
func SystemClock() Clock { return systemClock{} }

const (
	defaultBaseDelay  = time.Second
	defaultMaxDelay   = 30 * time.Second
	defaultMaxRetries = 5
)

// RetryScheduler computes when a failed operation may next be attempted:
// delay = min(base * 2^retries, cap), where retries counts failures so far.
type RetryScheduler struct {
	baseDelay time.Duration
	maxDelay  time.Duration
	clock     Clock
}

func NewRetryScheduler(baseDelay, maxDelay time.Duration, clock Clock) *RetryScheduler {
	if baseDelay <= 0 {
		baseDelay = defaultBaseDelay
	}
	if maxDelay <= 0 {
		maxDelay = defaultMaxDelay
	}
	if clock == nil {
		clock = SystemClock()
	}
	return &RetryScheduler{baseDelay: baseDelay, maxDelay: maxDelay, clock: clock}
}

// Delay returns the backoff for an operation that has failed retries times.
func (s *RetryScheduler) Delay(retries int) time.Duration {
	if retries < 0 {
		retries = 0
	}
	delay := s.baseDelay
	for i := 0; i < retries; i++ {
		delay *= 2
		if delay >= s.maxDelay {
			return s.maxDelay
		}
	}
	if delay > s.maxDelay {
		return s.maxDelay
	}
	return delay
}

// NextAttemptAt stamps the earliest wall-clock time for the next attempt,
// given the failure count after the increment.
func (s *RetryScheduler) NextAttemptAt(retries int) time.Time {
	return s.clock.Now().Add(s.Delay(retries))
}

// Eligible reports whether the operation's backoff window has elapsed.
// Operations without a recorded next-attempt time are always eligible.
func (s *RetryScheduler) Eligible(op QueuedOperation) bool {
	next, ok := op.nextAttemptTime()
	if !ok {
		return true
	}
	return !s.clock.Now().Before(next)
}
