package expr

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// epochMillisThreshold separates epoch seconds from epoch milliseconds. 1e11 seconds is in the
// year 5138, 1e11 milliseconds is in 1973.
const epochMillisThreshold = 1e11

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02",
	time.RFC1123Z,
	time.RFC1123,
}

// ParseTimestamp interprets an upstream timestamp: RFC 3339 and common date layouts, or an
// epoch number in seconds or milliseconds. Numeric strings are treated as epoch numbers.
func ParseTimestamp(value any) (time.Time, bool) {
	switch v := value.(type) {
	case nil:
		return time.Time{}, false
	case time.Time:
		return v, true
	case *time.Time:
		if v == nil {
			return time.Time{}, false
		}

		return *v, true
	case int:
		return fromEpoch(float64(v)), true
	case int32:
		return fromEpoch(float64(v)), true
	case int64:
		return fromEpoch(float64(v)), true
	case float64:
		return fromEpoch(v), true
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return time.Time{}, false
		}

		return fromEpoch(f), true
	case string:
		s := strings.TrimSpace(v)
		if s == "" {
			return time.Time{}, false
		}

		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return fromEpoch(f), true
		}

		for _, layout := range timestampLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return t.UTC(), true
			}
		}

		return time.Time{}, false
	default:
		return time.Time{}, false
	}
}

func fromEpoch(f float64) time.Time {
	if f > epochMillisThreshold || f < -epochMillisThreshold {
		return time.UnixMilli(int64(f)).UTC()
	}

	return time.UnixMilli(int64(f * 1000)).UTC()
}
