// Package quota tracks per-(model, account) quota snapshots and picks the
// account a request should run on.
package quota

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/sync/errgroup"

	"github.com/zz80900/Antigravity2Api/internal/auth"
	"github.com/zz80900/Antigravity2Api/internal/config"
	"github.com/zz80900/Antigravity2Api/internal/logging"
	"github.com/zz80900/Antigravity2Api/internal/upstream"
)

// RemainingUnknown marks a snapshot with no usable remainingFraction.
const RemainingUnknown = -1.0

// Snapshot is the quota view of one model on one account.
type Snapshot struct {
	RemainingPercent float64 // 0..100, or RemainingUnknown
	ResetTimeMs      int64   // 0 when the upstream reported none
	UpdatedAtMs      int64
	CooldownUntilMs  int64
}

// lastError caches the most recent upstream 429 per model so exhaustion can
// be reported with a real body even when no attempt was made.
type lastError struct {
	Status int
	Body   []byte
	AtMs   int64
}

// DecisionKind is the outcome of a selection.
type DecisionKind int

const (
	// Pick carries a usable account.
	Pick DecisionKind = iota
	// Wait asks the caller to sleep WaitMs and select again.
	Wait
	// FastFail means no account can serve the model soon.
	FastFail
)

// Decision is the selector's verdict for one model.
type Decision struct {
	Kind    DecisionKind
	Account *auth.Account
	WaitMs  int64
}

// Tracker refreshes quota snapshots in the background and selects accounts.
type Tracker struct {
	manager *auth.Manager
	client  *upstream.Client
	period  time.Duration

	mu       sync.Mutex
	perModel map[string]map[string]*Snapshot // model -> account key -> snapshot
	cursors  map[string]int                  // model -> next start index
	lastErrs map[string]*lastError           // model -> last upstream 429

	ready     chan struct{}
	readyOnce sync.Once
}

// NewTracker builds a tracker over the account pool. Call Run to start the
// background refresh loop.
func NewTracker(manager *auth.Manager, client *upstream.Client, refreshPeriod time.Duration) *Tracker {
	return &Tracker{
		manager:  manager,
		client:   client,
		period:   refreshPeriod,
		perModel: map[string]map[string]*Snapshot{},
		cursors:  map[string]int{},
		lastErrs: map[string]*lastError{},
		ready:    make(chan struct{}),
	}
}

// Run refreshes all snapshots once, marks the tracker ready, then keeps
// refreshing on the configured period until ctx is cancelled.
func (t *Tracker) Run(ctx context.Context) {
	t.RefreshAll(ctx)
	t.readyOnce.Do(func() { close(t.ready) })

	ticker := time.NewTicker(t.period)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			t.RefreshAll(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// AwaitReady blocks until the initial refresh finished or the timeout
// elapsed. Selection works either way; snapshots are just fresher after.
func (t *Tracker) AwaitReady(timeout time.Duration) {
	select {
	case <-t.ready:
	case <-time.After(timeout):
		logging.Warnf("[Quota] initial refresh still running after %v", timeout)
	}
}

// RefreshAll fetches quota for every account in parallel and replaces the
// affected snapshots. Accounts that fail keep their previous snapshots.
func (t *Tracker) RefreshAll(ctx context.Context) {
	accounts := t.manager.Store().Accounts()
	if len(accounts) == 0 {
		return
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, a := range accounts {
		g.Go(func() error {
			t.refreshAccount(ctx, a)
			return nil
		})
	}
	g.Wait()
	logging.Debugf("[Quota] refreshed snapshots for %d account(s)", len(accounts))
}

func (t *Tracker) refreshAccount(ctx context.Context, a *auth.Account) {
	token, err := t.manager.AccessToken(ctx, a)
	if err != nil {
		logging.Warnf("[Quota] %s: token: %v", a.Label(), err)
		return
	}
	projectID, err := t.manager.ProjectID(ctx, a)
	if err != nil {
		logging.Warnf("[Quota] %s: project: %v", a.Label(), err)
		return
	}
	body, err := t.client.FetchAvailableModels(ctx, token, projectID)
	if err != nil {
		logging.Warnf("[Quota] %s: fetch models: %v", a.Label(), err)
		return
	}

	now := time.Now().UnixMilli()
	models := gjson.GetBytes(body, "models")
	t.mu.Lock()
	defer t.mu.Unlock()
	models.ForEach(func(model, info gjson.Result) bool {
		snap := t.snapshotLocked(model.String(), a.Key)
		snap.UpdatedAtMs = now
		snap.RemainingPercent = RemainingUnknown
		snap.ResetTimeMs = 0

		quotaInfo := info.Get("quotaInfo")
		if reset := quotaInfo.Get("resetTime"); reset.Exists() {
			if ts, err := time.Parse(time.RFC3339, reset.String()); err == nil {
				snap.ResetTimeMs = ts.UnixMilli()
			}
		}
		if frac := quotaInfo.Get("remainingFraction"); frac.Exists() {
			snap.RemainingPercent = math.Round(frac.Float() * 100)
		} else if snap.ResetTimeMs > 0 {
			// A reset time without a fraction means the quota is spent.
			snap.RemainingPercent = 0
		}
		return true
	})
}

func (t *Tracker) snapshotLocked(model, accountKey string) *Snapshot {
	byAccount, ok := t.perModel[model]
	if !ok {
		byAccount = map[string]*Snapshot{}
		t.perModel[model] = byAccount
	}
	snap, ok := byAccount[accountKey]
	if !ok {
		snap = &Snapshot{RemainingPercent: RemainingUnknown}
		byAccount[accountKey] = snap
	}
	return snap
}

// Select decides which account should serve the model next. Accounts in
// cooldown or with known-spent quota are passed over; among the rest the
// best known remaining wins, with unknowns as fallback, scanning round-robin
// from the model's cursor. When nothing is usable the decision is Wait if
// the nearest recovery is close, otherwise FastFail.
func (t *Tracker) Select(model string, excluded map[string]bool) Decision {
	accounts := t.manager.Store().Accounts()
	n := len(accounts)
	if n == 0 {
		return Decision{Kind: FastFail}
	}

	now := time.Now().UnixMilli()
	t.mu.Lock()
	defer t.mu.Unlock()

	start := t.cursors[model] % n
	bestIdx, bestRemaining := -1, 0.0
	unknownIdx := -1
	var nearestRecovery int64

	for i := 0; i < n; i++ {
		idx := (start + i) % n
		a := accounts[idx]
		if excluded[a.Key] {
			continue
		}
		snap := t.snapshotLocked(model, a.Key)

		if snap.CooldownUntilMs > now {
			nearestRecovery = minRecovery(nearestRecovery, snap.CooldownUntilMs)
			continue
		}

		remaining := snap.RemainingPercent
		if remaining == 0 && snap.ResetTimeMs > 0 && now >= snap.ResetTimeMs {
			// Reset passed since the last refresh; treat as unknown.
			remaining = RemainingUnknown
		}
		switch {
		case remaining > 0:
			if remaining > bestRemaining {
				bestIdx, bestRemaining = idx, remaining
			}
		case remaining == RemainingUnknown:
			if unknownIdx < 0 {
				unknownIdx = idx
			}
		default:
			// Known spent; wait for its reset if nothing else works.
			if snap.ResetTimeMs > now {
				nearestRecovery = minRecovery(nearestRecovery, snap.ResetTimeMs)
			}
		}
	}

	pick := bestIdx
	if pick < 0 {
		pick = unknownIdx
	}
	if pick >= 0 {
		t.cursors[model] = (pick + 1) % n
		return Decision{Kind: Pick, Account: accounts[pick]}
	}

	if nearestRecovery > 0 {
		wait := nearestRecovery - now
		if wait <= config.CooldownWaitThresholdMs {
			return Decision{Kind: Wait, WaitMs: wait}
		}
	}
	return Decision{Kind: FastFail}
}

func minRecovery(current, candidate int64) int64 {
	if current == 0 || candidate < current {
		return candidate
	}
	return current
}

// OnRateLimited puts an account in cooldown after an upstream 429 and
// records the error body for later synthesized failures. hintMs may be
// negative when the 429 carried no usable hint.
func (t *Tracker) OnRateLimited(model, accountKey string, hintMs int64, body []byte) {
	now := time.Now().UnixMilli()
	if hintMs < 0 {
		hintMs = config.DefaultRetryDelayMs
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	snap := t.snapshotLocked(model, accountKey)
	snap.CooldownUntilMs = now + hintMs
	if len(body) > 0 {
		t.lastErrs[model] = &lastError{Status: 429, Body: body, AtMs: now}
	}
	logging.Debugf("[Quota] %s cooled down on %s for %dms", accountKey, model, hintMs)
}

// OnSuccess clears any cooldown after a served request.
func (t *Tracker) OnSuccess(model, accountKey string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	snap := t.snapshotLocked(model, accountKey)
	snap.CooldownUntilMs = 0
}

// LastError returns the cached upstream 429 body for a model, if any.
func (t *Tracker) LastError(model string) ([]byte, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	le, ok := t.lastErrs[model]
	if !ok {
		return nil, false
	}
	return le.Body, true
}

// Snapshots returns a copy of the tracked state for one model, keyed by
// account, for status reporting.
func (t *Tracker) Snapshots(model string) map[string]Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := map[string]Snapshot{}
	for key, snap := range t.perModel[model] {
		out[key] = *snap
	}
	return out
}
