package send

import "time"

// RetryPolicy is the one retry schedule shared by the send pipeline and
// the queue drainer. Delays[0] is the wait before the first attempt.
type RetryPolicy struct {
	Delays []time.Duration
}

// DefaultRetryPolicy retries up to four attempts at 0s, 5s, 15s, 60s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Delays: []time.Duration{0, 5 * time.Second, 15 * time.Second, 60 * time.Second}}
}

// Attempts returns the number of delivery attempts the policy allows.
func (p RetryPolicy) Attempts() int { return len(p.Delays) }
