package auth

import (
	"sync"
	"time"

	"github.com/zz80900/Antigravity2Api/internal/config"
	"github.com/zz80900/Antigravity2Api/internal/logging"
)

// Refresher schedules proactive token refreshes. One timer per account,
// fired ahead of expiry so requests rarely block on a refresh.
type Refresher struct {
	refresh func(key string) (expiryMs int64, err error)

	mu     sync.Mutex
	timers map[string]*time.Timer
	closed bool
}

// NewRefresher returns a refresher that invokes the given callable when an
// account's timer fires. The callable returns the new expiry so the next
// timer can be armed.
func NewRefresher(refresh func(key string) (int64, error)) *Refresher {
	return &Refresher{
		refresh: refresh,
		timers:  map[string]*time.Timer{},
	}
}

// Arm schedules a refresh at expiryMs minus the refresh-ahead window,
// replacing any existing timer for the key. Deadlines already inside the
// window fire immediately.
func (r *Refresher) Arm(key string, expiryMs int64) {
	delay := time.Duration(expiryMs-config.RefreshAheadMs-time.Now().UnixMilli()) * time.Millisecond
	if delay < 0 {
		delay = 0
	}
	r.armAfter(key, delay)
}

func (r *Refresher) armAfter(key string, delay time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	if t, ok := r.timers[key]; ok {
		t.Stop()
	}
	r.timers[key] = time.AfterFunc(delay, func() { r.fire(key) })
}

func (r *Refresher) fire(key string) {
	expiryMs, err := r.refresh(key)
	if err != nil {
		logging.Warnf("[Auth] proactive refresh failed for %s, retrying in %ds: %v",
			key, config.RefreshRetryMs/1000, err)
		r.armAfter(key, time.Duration(config.RefreshRetryMs)*time.Millisecond)
		return
	}
	logging.Debugf("[Auth] proactive refresh done for %s", key)
	r.Arm(key, expiryMs)
}

// Cancel stops and removes the timer for one account.
func (r *Refresher) Cancel(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.timers[key]; ok {
		t.Stop()
		delete(r.timers, key)
	}
}

// Stop cancels all timers. The refresher cannot be re-armed afterwards.
func (r *Refresher) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	for key, t := range r.timers {
		t.Stop()
		delete(r.timers, key)
	}
}
