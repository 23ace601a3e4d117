package quota

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/zz80900/Antigravity2Api/internal/auth"
	"github.com/zz80900/Antigravity2Api/internal/config"
	"github.com/zz80900/Antigravity2Api/internal/upstream"
)

const testModel = "claude-sonnet-4-5"

func newTestTracker(t *testing.T, accountNames []string, upstreamBody string) *Tracker {
	t.Helper()
	dir := t.TempDir()
	for _, name := range accountNames {
		creds := auth.Credentials{
			AccessToken:  "tok",
			RefreshToken: "rt",
			ExpiryMs:     time.Now().Add(time.Hour).UnixMilli(),
			TokenType:    "Bearer",
			ProjectID:    "proj",
		}
		data, _ := json.Marshal(&creds)
		if err := os.WriteFile(filepath.Join(dir, name), data, 0o600); err != nil {
			t.Fatal(err)
		}
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1internal:fetchAvailableModels" {
			w.Write([]byte(upstreamBody))
			return
		}
		http.NotFound(w, r)
	}))
	t.Cleanup(srv.Close)

	cfg := &config.Config{OAuthClientID: "id", OAuthClientSecret: "secret"}
	client := upstream.NewClient(cfg)
	client.BaseURL = srv.URL

	store := auth.NewStore(dir)
	if err := store.Load(); err != nil {
		t.Fatal(err)
	}
	manager := auth.NewManager(store, client)
	t.Cleanup(manager.Close)

	return NewTracker(manager, client, time.Hour)
}

func (t *Tracker) seed(model, accountKey string, snap Snapshot) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.snapshotLocked(model, accountKey)
	*s = snap
}

func TestSelectPrefersHighestKnownRemaining(t *testing.T) {
	tr := newTestTracker(t, []string{"a.json", "b.json", "c.json"}, "{}")
	tr.seed(testModel, "a.json", Snapshot{RemainingPercent: 10})
	tr.seed(testModel, "b.json", Snapshot{RemainingPercent: 80})
	tr.seed(testModel, "c.json", Snapshot{RemainingPercent: RemainingUnknown})

	d := tr.Select(testModel, nil)
	if d.Kind != Pick || d.Account.Key != "b.json" {
		t.Fatalf("selected %+v, want pick of b.json", d)
	}
}

func TestSelectFallsBackToUnknown(t *testing.T) {
	tr := newTestTracker(t, []string{"a.json", "b.json", "c.json"}, "{}")
	now := time.Now().UnixMilli()
	tr.seed(testModel, "a.json", Snapshot{RemainingPercent: 0, ResetTimeMs: now + 3600_000})
	tr.seed(testModel, "b.json", Snapshot{RemainingPercent: 50, CooldownUntilMs: now + 3600_000})
	tr.seed(testModel, "c.json", Snapshot{RemainingPercent: RemainingUnknown})

	d := tr.Select(testModel, nil)
	if d.Kind != Pick || d.Account.Key != "c.json" {
		t.Fatalf("selected %+v, want pick of c.json", d)
	}
}

func TestSelectRespectsExclusions(t *testing.T) {
	tr := newTestTracker(t, []string{"a.json", "b.json"}, "{}")
	tr.seed(testModel, "a.json", Snapshot{RemainingPercent: 90})
	tr.seed(testModel, "b.json", Snapshot{RemainingPercent: 20})

	d := tr.Select(testModel, map[string]bool{"a.json": true})
	if d.Kind != Pick || d.Account.Key != "b.json" {
		t.Fatalf("selected %+v, want pick of b.json", d)
	}
}

func TestSelectWaitWhenRecoveryIsNear(t *testing.T) {
	tr := newTestTracker(t, []string{"a.json"}, "{}")
	now := time.Now().UnixMilli()
	tr.seed(testModel, "a.json", Snapshot{CooldownUntilMs: now + 2000})

	d := tr.Select(testModel, nil)
	if d.Kind != Wait {
		t.Fatalf("decision = %+v, want Wait", d)
	}
	if d.WaitMs <= 0 || d.WaitMs > 2000 {
		t.Errorf("WaitMs = %d", d.WaitMs)
	}
}

func TestSelectFastFailWhenRecoveryIsFar(t *testing.T) {
	tr := newTestTracker(t, []string{"a.json"}, "{}")
	now := time.Now().UnixMilli()
	tr.seed(testModel, "a.json", Snapshot{CooldownUntilMs: now + 60_000})

	if d := tr.Select(testModel, nil); d.Kind != FastFail {
		t.Fatalf("decision = %+v, want FastFail", d)
	}
}

func TestSelectRoundRobinOverUnknowns(t *testing.T) {
	tr := newTestTracker(t, []string{"a.json", "b.json", "c.json"}, "{}")
	var picks []string
	for i := 0; i < 4; i++ {
		d := tr.Select(testModel, nil)
		if d.Kind != Pick {
			t.Fatalf("decision %d = %+v, want Pick", i, d)
		}
		picks = append(picks, d.Account.Key)
	}
	want := []string{"a.json", "b.json", "c.json", "a.json"}
	for i := range want {
		if picks[i] != want[i] {
			t.Fatalf("picks %v, want %v", picks, want)
		}
	}
}

func TestOnRateLimitedCooldownAndLastError(t *testing.T) {
	tr := newTestTracker(t, []string{"a.json"}, "{}")
	body := []byte(`{"error":{"code":429,"message":"quota"}}`)
	tr.OnRateLimited(testModel, "a.json", 3000, body)

	d := tr.Select(testModel, nil)
	if d.Kind != Wait {
		t.Fatalf("decision after 429 = %+v, want Wait", d)
	}
	cached, ok := tr.LastError(testModel)
	if !ok || string(cached) != string(body) {
		t.Fatalf("LastError = %q, %v", cached, ok)
	}

	tr.OnSuccess(testModel, "a.json")
	if d := tr.Select(testModel, nil); d.Kind != Pick {
		t.Fatalf("decision after success = %+v, want Pick", d)
	}
}

func TestRefreshAllParsesQuota(t *testing.T) {
	reset := time.Now().Add(30 * time.Minute).UTC().Format(time.RFC3339)
	body := `{"models":{
		"claude-sonnet-4-5":{"quotaInfo":{"remainingFraction":0.5,"resetTime":"` + reset + `"}},
		"gemini-3-flash":{"quotaInfo":{"resetTime":"` + reset + `"}},
		"gemini-3-pro-high":{"displayName":"Pro"},
		"gemini-3-pro-low":{"quotaInfo":{"remainingFraction":0.876}}
	}}`
	tr := newTestTracker(t, []string{"a.json"}, body)
	tr.RefreshAll(context.Background())

	snaps := tr.Snapshots("claude-sonnet-4-5")
	if got := snaps["a.json"].RemainingPercent; got != 50 {
		t.Errorf("remaining = %v, want 50", got)
	}
	if snaps["a.json"].ResetTimeMs == 0 {
		t.Error("resetTime not parsed")
	}

	// A reset time with no fraction means spent.
	if got := tr.Snapshots("gemini-3-flash")["a.json"].RemainingPercent; got != 0 {
		t.Errorf("flash remaining = %v, want 0", got)
	}
	// Neither field means unknown.
	if got := tr.Snapshots("gemini-3-pro-high")["a.json"].RemainingPercent; got != RemainingUnknown {
		t.Errorf("pro remaining = %v, want unknown", got)
	}
	// Fractions are rounded to whole percents.
	if got := tr.Snapshots("gemini-3-pro-low")["a.json"].RemainingPercent; got != 88 {
		t.Errorf("pro-low remaining = %v, want 88", got)
	}
}
