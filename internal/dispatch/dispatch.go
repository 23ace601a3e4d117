// Package dispatch orchestrates one upstream call: account selection, token
// and project resolution, the rate gate, and 429-driven rotation.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/zz80900/Antigravity2Api/internal/auth"
	"github.com/zz80900/Antigravity2Api/internal/config"
	"github.com/zz80900/Antigravity2Api/internal/logging"
	"github.com/zz80900/Antigravity2Api/internal/quota"
	"github.com/zz80900/Antigravity2Api/internal/ratelimit"
	"github.com/zz80900/Antigravity2Api/internal/upstream"
)

// ErrAttemptsExhausted is wrapped into errors when every account failed for
// reasons other than rate limiting.
var ErrAttemptsExhausted = errors.New("all accounts failed")

// Request describes one upstream operation. BuildBody runs per attempt so
// each try carries the picked account's project id and a fresh request id.
type Request struct {
	Method    string       // v1internal method, e.g. ":streamGenerateContent"
	Model     string       // upstream model id, drives quota tracking; may be empty
	Group     config.Group // rotation group for model-less requests
	Query     url.Values
	BuildBody func(projectID string) ([]byte, error)
}

// Dispatcher runs requests against the account pool.
type Dispatcher struct {
	cfg     *config.Config
	manager *auth.Manager
	tracker *quota.Tracker
	gate    *ratelimit.Gate
	client  *upstream.Client
}

// New wires a dispatcher.
func New(cfg *config.Config, manager *auth.Manager, tracker *quota.Tracker, gate *ratelimit.Gate, client *upstream.Client) *Dispatcher {
	return &Dispatcher{cfg: cfg, manager: manager, tracker: tracker, gate: gate, client: client}
}

// Do executes the request, rotating through accounts on 429s. Non-429
// upstream statuses are returned verbatim on the first occurrence; only rate
// limits and transport errors consume further attempts. When every account
// is exhausted the caller gets a 429: the last real one seen, the cached one
// for the model, or a synthesized body.
func (d *Dispatcher) Do(ctx context.Context, req *Request) (*upstream.Response, error) {
	d.tracker.AwaitReady(time.Duration(config.StartupWaitMs) * time.Millisecond)

	pool := d.manager.PoolSize()
	if pool == 0 {
		return nil, auth.ErrNoAccounts
	}
	attempts := pool
	if attempts < 1 {
		attempts = 1
	}

	excluded := map[string]bool{}
	var lastRateLimit *upstream.Response
	var lastErr error
	singleRetried := false
	netRetried := false
	waits := 0

	for attempt := 0; attempt < attempts; {
		account, done, err := d.pick(ctx, req, excluded, &waits)
		if err != nil {
			return nil, err
		}
		if done {
			return d.exhausted(req.Model, lastRateLimit, lastErr)
		}
		if account == nil {
			continue // waited out a cooldown, select again
		}
		attempt++

		resp, err := d.tryAccount(ctx, req, account)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			logging.Warnf("[Dispatch] %s via %s: %v", req.Model, account.Label(), err)
			lastErr = err
			if serr := sleep(ctx, time.Duration(d.cfg.RetryDelayMs)*time.Millisecond); serr != nil {
				return nil, serr
			}
			if pool == 1 {
				// Same account again; allow one extra try for a flaky link.
				if !netRetried {
					netRetried = true
					attempt--
				}
				continue
			}
			excluded[account.Key] = true
			continue
		}

		if resp.StatusCode != http.StatusTooManyRequests {
			if resp.OK() {
				d.tracker.OnSuccess(req.Model, account.Key)
			}
			return resp, nil
		}

		// Rate limited: cool the account down and decide how to go on.
		hint, hasHint := upstream.RetryDelayMs(resp.BodyBytes)
		cooldown := hint
		if !hasHint {
			cooldown = -1
		}
		d.tracker.OnRateLimited(req.Model, account.Key, cooldown, resp.BodyBytes)
		lastRateLimit = resp
		logging.Infof("[Dispatch] %s rate limited on %s (hint %dms)", account.Label(), req.Model, hint)

		if pool == 1 {
			if hasHint && hint <= config.ShortRetryHintMs && !singleRetried {
				// Worth sleeping through once instead of failing.
				singleRetried = true
				attempt--
				// Sleeping past the hint also outlives the cooldown
				// just written, so the next Select can pick again.
				if err := sleep(ctx, time.Duration(hint+200)*time.Millisecond); err != nil {
					return nil, err
				}
				continue
			}
			return d.exhausted(req.Model, lastRateLimit, lastErr)
		}

		excluded[account.Key] = true
		if !hasHint || hint <= config.ShortRetryHintMs {
			if err := sleep(ctx, time.Duration(d.cfg.RetryDelayMs)*time.Millisecond); err != nil {
				return nil, err
			}
		}
		// A long hint means the account is gone for a while; rotate at once.
	}

	return d.exhausted(req.Model, lastRateLimit, lastErr)
}

// pick chooses the next account. It returns done=true when the quota
// selector declared exhaustion, and a nil account (with done=false) after a
// cooldown wait so the caller re-selects. Requests without a model fall back
// to plain per-group rotation.
func (d *Dispatcher) pick(ctx context.Context, req *Request, excluded map[string]bool, waits *int) (*auth.Account, bool, error) {
	if req.Model == "" {
		group := req.Group
		if group == "" {
			group = config.GroupClaude
		}
		a, err := d.manager.Pick(group, excluded)
		if err != nil {
			return nil, true, nil
		}
		return a, false, nil
	}

	decision := d.tracker.Select(req.Model, excluded)
	switch decision.Kind {
	case quota.FastFail:
		return nil, true, nil
	case quota.Wait:
		// One wait is allowed; a cooldown that reappears means exhaustion.
		if *waits >= 1 {
			return nil, true, nil
		}
		*waits++
		logging.Debugf("[Dispatch] %s: waiting %dms for cooldown", req.Model, decision.WaitMs)
		if err := sleep(ctx, time.Duration(decision.WaitMs)*time.Millisecond); err != nil {
			return nil, false, err
		}
		return nil, false, nil
	}
	return decision.Account, false, nil
}

// tryAccount performs one attempt on one account.
func (d *Dispatcher) tryAccount(ctx context.Context, req *Request, account *auth.Account) (*upstream.Response, error) {
	token, err := d.manager.AccessToken(ctx, account)
	if err != nil {
		return nil, err
	}
	projectID, err := d.manager.ProjectID(ctx, account)
	if err != nil {
		return nil, err
	}
	body, err := req.BuildBody(projectID)
	if err != nil {
		return nil, fmt.Errorf("build request body: %w", err)
	}
	if err := d.gate.Wait(ctx); err != nil {
		return nil, err
	}
	return d.client.CallV1Internal(ctx, token, req.Method, req.Query, body)
}

// exhausted produces the terminal 429 (or error) once no account can serve.
func (d *Dispatcher) exhausted(model string, lastRateLimit *upstream.Response, lastErr error) (*upstream.Response, error) {
	if lastRateLimit != nil {
		return lastRateLimit, nil
	}
	if body, ok := d.tracker.LastError(model); ok {
		return &upstream.Response{
			StatusCode: http.StatusTooManyRequests,
			Header:     http.Header{"Content-Type": {"application/json"}},
			BodyBytes:  body,
		}, nil
	}
	if lastErr != nil {
		return nil, fmt.Errorf("%w: %v", ErrAttemptsExhausted, lastErr)
	}
	return &upstream.Response{
		StatusCode: http.StatusTooManyRequests,
		Header:     http.Header{"Content-Type": {"application/json"}},
		BodyBytes: []byte(fmt.Sprintf(
			`{"error":{"code":429,"message":"All accounts are rate limited for model %s","status":"RESOURCE_EXHAUSTED"}}`,
			model)),
	}, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
