package upstream

import (
	"regexp"
	"strconv"

	"github.com/tidwall/gjson"
)

var durationRe = regexp.MustCompile(`(\d+(?:\.\d+)?)(ms|s|m|h)`)

var unitMs = map[string]float64{
	"ms": 1,
	"s":  1000,
	"m":  60 * 1000,
	"h":  60 * 60 * 1000,
}

// ParseDurationMs parses Google-style duration strings such as
// "1h16m0.667s" or "331.167ms" into whole milliseconds. It sums every
// number-unit pair found and truncates the total. The second return is false
// when the string contains no recognizable component.
func ParseDurationMs(s string) (int64, bool) {
	matches := durationRe.FindAllStringSubmatch(s, -1)
	if len(matches) == 0 {
		return 0, false
	}
	var total float64
	for _, m := range matches {
		value, err := strconv.ParseFloat(m[1], 64)
		if err != nil {
			continue
		}
		total += value * unitMs[m[2]]
	}
	return int64(total), true
}

// RetryDelayMs extracts the retry hint from a 429 error body. Google 429s
// carry the hint in error.details, either as RetryInfo.retryDelay or as
// metadata.quotaResetDelay; when both appear they are summed. The second
// return is false when no hint is present.
func RetryDelayMs(body []byte) (int64, bool) {
	details := gjson.GetBytes(body, "error.details")
	if !details.IsArray() {
		return 0, false
	}
	var total int64
	found := false
	details.ForEach(func(_, detail gjson.Result) bool {
		for _, path := range []string{"retryDelay", "metadata.quotaResetDelay"} {
			if v := detail.Get(path); v.Exists() {
				if ms, ok := ParseDurationMs(v.String()); ok {
					total += ms
					found = true
				}
			}
		}
		return true
	})
	if !found {
		return 0, false
	}
	return total, true
}
