// Package stats keeps in-memory per-model usage counters, bucketed by hour.
package stats

import (
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// retention bounds how much history is kept.
const retention = 30 * 24 * time.Hour

// hourKey layout for bucket keys.
const hourKey = "2006-01-02T15"

type familyBucket struct {
	subtotal int
	models   map[string]int
}

type hourBucket struct {
	total    int
	families map[string]*familyBucket
}

// Recorder counts completed generate requests per model family.
type Recorder struct {
	mu    sync.Mutex
	hours map[string]*hourBucket
	now   func() time.Time
}

// NewRecorder creates an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{hours: map[string]*hourBucket{}, now: time.Now}
}

// Record counts one request for the model.
func (r *Recorder) Record(model string) {
	family := modelFamily(model)
	short := shortName(model, family)
	now := r.now().UTC()
	key := now.Format(hourKey)

	r.mu.Lock()
	defer r.mu.Unlock()
	bucket, ok := r.hours[key]
	if !ok {
		bucket = &hourBucket{families: map[string]*familyBucket{}}
		r.hours[key] = bucket
		r.pruneLocked(now)
	}
	bucket.total++
	fb, ok := bucket.families[family]
	if !ok {
		fb = &familyBucket{models: map[string]int{}}
		bucket.families[family] = fb
	}
	fb.subtotal++
	fb.models[short]++
}

func (r *Recorder) pruneLocked(now time.Time) {
	cutoff := now.Add(-retention).Format(hourKey)
	for key := range r.hours {
		if key < cutoff {
			delete(r.hours, key)
		}
	}
}

// History returns the counters keyed by ISO hour, oldest first.
func (r *Recorder) History() map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()

	keys := make([]string, 0, len(r.hours))
	for k := range r.hours {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make(map[string]any, len(keys))
	for _, key := range keys {
		t, err := time.Parse(hourKey, key)
		if err != nil {
			continue
		}
		bucket := r.hours[key]
		hour := map[string]any{"_total": bucket.total}
		for family, fb := range bucket.families {
			entry := map[string]any{"_subtotal": fb.subtotal}
			for model, count := range fb.models {
				entry[model] = count
			}
			hour[family] = entry
		}
		out[t.Format("2006-01-02T15:04:05.000Z")] = hour
	}
	return out
}

// HistoryHandler serves GET /stats/history.
func (r *Recorder) HistoryHandler(c *gin.Context) {
	c.JSON(http.StatusOK, r.History())
}

func modelFamily(model string) string {
	lower := strings.ToLower(model)
	switch {
	case strings.Contains(lower, "claude"):
		return "claude"
	case strings.Contains(lower, "gemini"):
		return "gemini"
	}
	return "other"
}

// shortName strips the family prefix: "claude-opus-4-5" becomes "opus-4-5".
func shortName(model, family string) string {
	if family == "other" {
		return model
	}
	prefix := family + "-"
	if strings.HasPrefix(strings.ToLower(model), prefix) {
		return model[len(prefix):]
	}
	return model
}
