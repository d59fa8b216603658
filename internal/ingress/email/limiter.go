package email

import (
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const pruneInterval = time.Minute

type senderBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// SenderLimiter holds one token bucket per sender address.
type SenderLimiter struct {
	mu        sync.Mutex
	every     rate.Limit
	burst     int
	idleTTL   time.Duration
	buckets   map[string]*senderBucket
	lastPrune time.Time
	now       func() time.Time
}

// NewSenderLimiter allows perHour messages per sender with the given burst.
// Non-positive values disable limiting.
func NewSenderLimiter(perHour, burst int) *SenderLimiter {
	l := &SenderLimiter{
		burst:   burst,
		idleTTL: time.Hour,
		buckets: make(map[string]*senderBucket),
		now:     time.Now,
	}
	if perHour > 0 {
		l.every = rate.Every(time.Hour / time.Duration(perHour))
	} else {
		l.every = rate.Inf
	}
	if l.burst <= 0 {
		l.burst = 1
	}
	return l
}

// Allow reports whether sender may deliver another message now.
func (l *SenderLimiter) Allow(sender string) bool {
	if l == nil || l.every == rate.Inf {
		return true
	}
	key := strings.ToLower(strings.TrimSpace(sender))
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()
	if now.Sub(l.lastPrune) > pruneInterval {
		l.prune(now)
		l.lastPrune = now
	}
	b, ok := l.buckets[key]
	if !ok {
		b = &senderBucket{limiter: rate.NewLimiter(l.every, l.burst)}
		l.buckets[key] = b
	}
	b.lastSeen = now
	return b.limiter.AllowN(now, 1)
}

// prune drops buckets idle for longer than idleTTL. Caller holds mu.
func (l *SenderLimiter) prune(now time.Time) {
	for k, b := range l.buckets {
		if now.Sub(b.lastSeen) > l.idleTTL {
			delete(l.buckets, k)
		}
	}
}

// Len returns the number of tracked senders.
func (l *SenderLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}
