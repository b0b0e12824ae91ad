package ratelimit

// Decision is the outcome of admitting one inbound event.
type Decision int

const (
	// Allow means the event is within budget.
	Allow Decision = iota
	// Drop means the event is over budget and must be discarded.
	Drop
	// Disconnect means the connection exhausted its strikes and must close.
	Disconnect
)

func (d Decision) String() string {
	switch d {
	case Allow:
		return "allow"
	case Drop:
		return "drop"
	case Disconnect:
		return "disconnect"
	default:
		return "unknown"
	}
}

// ConnLimiter budgets inbound events for a single connection. Each
// over-budget event is a strike; an allowed event resets the count. It is not
// safe for concurrent use by more than one reader.
type ConnLimiter struct {
	bucket     *TokenBucket
	maxStrikes int
	strikes    int
}

// NewConnLimiter allows perSecond events per second with a burst of the same
// size. maxStrikes <= 0 disables disconnecting.
func NewConnLimiter(clock Clock, perSecond, maxStrikes int) *ConnLimiter {
	var bucket *TokenBucket
	if perSecond > 0 {
		bucket = NewTokenBucket(clock, int64(perSecond), int64(perSecond))
	}
	return &ConnLimiter{bucket: bucket, maxStrikes: maxStrikes}
}

func (l *ConnLimiter) Admit() Decision {
	if l.bucket == nil || l.bucket.Allow(1) {
		l.strikes = 0
		return Allow
	}
	l.strikes++
	if l.maxStrikes > 0 && l.strikes >= l.maxStrikes {
		return Disconnect
	}
	return Drop
}

// Strikes returns the current run of consecutive over-budget events.
func (l *ConnLimiter) Strikes() int { return l.strikes }
