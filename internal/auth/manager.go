package auth

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/sync/singleflight"

	"github.com/zz80900/Antigravity2Api/internal/config"
	"github.com/zz80900/Antigravity2Api/internal/logging"
	"github.com/zz80900/Antigravity2Api/internal/upstream"
)

// Manager provides ready-to-use credentials on top of the store: rotation,
// on-demand and proactive token refresh, and project-id resolution. Refresh
// and project-id calls for the same account are collapsed with singleflight
// so concurrent requests never trigger duplicate upstream calls.
type Manager struct {
	store     *Store
	client    *upstream.Client
	refresher *Refresher
	sf        singleflight.Group
}

// NewManager wires a manager over a loaded store and arms the proactive
// refresh timers for every account.
func NewManager(store *Store, client *upstream.Client) *Manager {
	m := &Manager{store: store, client: client}
	m.refresher = NewRefresher(m.refreshByKey)
	for _, a := range store.Accounts() {
		m.refresher.Arm(a.Key, a.Credentials().ExpiryMs)
	}
	return m
}

// Close stops the proactive refresh timers.
func (m *Manager) Close() {
	m.refresher.Stop()
}

// Store exposes the underlying account store.
func (m *Manager) Store() *Store {
	return m.store
}

// PoolSize returns the number of accounts in the pool.
func (m *Manager) PoolSize() int {
	return m.store.Len()
}

// Pick rotates to the next account of a group, skipping excluded keys.
func (m *Manager) Pick(group config.Group, excluded map[string]bool) (*Account, error) {
	if m.store.Len() == 0 {
		return nil, ErrNoAccounts
	}
	a := m.store.Rotate(group, excluded)
	if a == nil {
		return nil, ErrNoAccounts
	}
	return a, nil
}

// AccessToken returns a fresh access token for the account, refreshing it
// first when expired. Concurrent callers share one refresh.
func (m *Manager) AccessToken(ctx context.Context, a *Account) (string, error) {
	creds := a.Credentials()
	if !creds.ExpiredAt(time.Now()) {
		return creds.AccessToken, nil
	}
	creds, err := m.refreshIfStale(ctx, a, time.Now())
	if err != nil {
		return "", err
	}
	return creds.AccessToken, nil
}

// refreshByKey backs the proactive refresher. The horizon is pushed ahead
// of now so a token inside the refresh-ahead window still gets renewed.
func (m *Manager) refreshByKey(key string) (int64, error) {
	a, ok := m.store.Get(key)
	if !ok {
		// Account deleted while the timer was in flight.
		return 0, fmt.Errorf("account %q gone", key)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	horizon := time.Now().Add(time.Duration(config.RefreshAheadMs) * time.Millisecond)
	creds, err := m.refreshIfStale(ctx, a, horizon)
	if err != nil {
		return 0, err
	}
	return creds.ExpiryMs, nil
}

// refreshIfStale refreshes the account token unless it is still valid past
// the horizon. The staleness re-check runs inside the singleflight callback,
// so a caller that queued behind a completed refresh gets the fresh token
// without another network call.
func (m *Manager) refreshIfStale(ctx context.Context, a *Account, horizon time.Time) (Credentials, error) {
	v, err, _ := m.sf.Do("refresh:"+a.Key, func() (any, error) {
		creds := a.Credentials()
		if creds.AccessToken != "" && horizon.UnixMilli() < creds.ExpiryMs {
			return creds, nil
		}
		token, err := m.client.RefreshToken(ctx, creds.RefreshToken)
		if err != nil {
			return nil, fmt.Errorf("refresh %s: %w", a.Label(), err)
		}
		a.UpdateToken(token.AccessToken, token.ExpiryMs(time.Now()), token.RefreshToken)
		if err := m.store.Save(a); err != nil {
			logging.Warnf("[Auth] persist refreshed token for %s: %v", a.Label(), err)
		}
		m.refresher.Arm(a.Key, a.Credentials().ExpiryMs)
		logging.Infof("[Auth] refreshed token for %s", a.Label())
		return a.Credentials(), nil
	})
	if err != nil {
		return Credentials{}, err
	}
	return v.(Credentials), nil
}

// ProjectID resolves the Google project id for an account. Resolution order:
// the cached value, the cloudaicompanionProject reported by loadCodeAssist,
// or a synthesized id when the account is on a paid tier without a project.
// Accounts with neither are not eligible.
func (m *Manager) ProjectID(ctx context.Context, a *Account) (string, error) {
	if id := a.Credentials().ProjectID; id != "" {
		return id, nil
	}
	v, err, _ := m.sf.Do("project:"+a.Key, func() (any, error) {
		if id := a.Credentials().ProjectID; id != "" {
			return id, nil
		}
		token, err := m.AccessToken(ctx, a)
		if err != nil {
			return nil, err
		}
		body, err := m.client.LoadCodeAssist(ctx, token)
		if err != nil {
			return nil, err
		}

		id := extractProject(body)
		if id == "" {
			if strings.Contains(string(body), `"paidTier"`) {
				id = SynthesizeProjectID()
				logging.Infof("[Auth] synthesized project id %s for paid account %s", id, a.Label())
			} else {
				return nil, fmt.Errorf("%w: %s has no project and no paid tier", ErrAccountNotEligible, a.Label())
			}
		}
		a.SetProjectID(id)
		if err := m.store.Save(a); err != nil {
			logging.Warnf("[Auth] persist project id for %s: %v", a.Label(), err)
		}
		return id, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// extractProject reads cloudaicompanionProject from a loadCodeAssist body,
// accepting both the bare-string and the object form.
func extractProject(body []byte) string {
	v := gjson.GetBytes(body, "cloudaicompanionProject")
	switch v.Type {
	case gjson.String:
		return v.String()
	case gjson.JSON:
		return v.Get("id").String()
	}
	return ""
}

// Delete removes an account and cancels its refresh timer.
func (m *Manager) Delete(name string) error {
	if err := m.store.Delete(name); err != nil {
		return err
	}
	m.refresher.Cancel(name)
	return nil
}

// Add registers a new account and arms its refresh timer.
func (m *Manager) Add(creds Credentials) (*Account, error) {
	a, err := m.store.Add(creds)
	if err != nil {
		return nil, err
	}
	m.refresher.Arm(a.Key, a.Credentials().ExpiryMs)
	return a, nil
}
