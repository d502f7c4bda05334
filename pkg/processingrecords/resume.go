package processingrecords

import (
	"cmp"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/dukex/flowlane/pkg/expr"
)

const isoLayout = "2006-01-02T15:04:05.000Z"

// formatTimestamp renders t in the configured resume point format.
func formatTimestamp(t time.Time, format TimestampFormat) any {
	t = t.UTC()

	switch format {
	case FormatEpochMs:
		return t.UnixMilli()
	case FormatEpochS:
		return t.Unix()
	case FormatDate:
		return t.Format(time.DateOnly)
	case FormatISO:
		return t.Format(isoLayout)
	default:
		return t.Format(isoLayout)
	}
}

// compareIDs orders id cursor values numerically when both are numbers and as strings otherwise.
func compareIDs(a, b any) int {
	af, aNumeric := numeric(a)
	bf, bNumeric := numeric(b)

	if aNumeric && bNumeric {
		return cmp.Compare(af, bf)
	}

	return cmp.Compare(idString(a), idString(b))
}

func numeric(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case int32:
		return float64(v), true
	case string:
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return 0, false
		}

		return f, true
	default:
		return 0, false
	}
}

// idString renders a record id. Integral floats, as produced by JSON decoding, lose their
// fractional part so 42 and "42" name the same record.
func idString(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case float64:
		if v == math.Trunc(v) && math.Abs(v) < 1e15 {
			return strconv.FormatInt(int64(v), 10)
		}

		return strconv.FormatFloat(v, 'f', -1, 64)
	case int64:
		return strconv.FormatInt(v, 10)
	case int:
		return strconv.Itoa(v)
	default:
		return fmt.Sprint(v)
	}
}

// cursorKey is the sortable form of a record's cursor field.
type cursorKey struct {
	raw  any
	time time.Time
	ok   bool
}

func timestampKey(value any) cursorKey {
	t, ok := expr.ParseTimestamp(value)

	return cursorKey{raw: value, time: t, ok: ok}
}

func compareTimestampKeys(a, b cursorKey) int {
	switch {
	case !a.ok && !b.ok:
		return 0
	case !a.ok:
		return -1
	case !b.ok:
		return 1
	default:
		return a.time.Compare(b.time)
	}
}

// advanceTimestamp returns the resume point a record establishes, never earlier than the
// resume point the batch was fetched from.
func advanceTimestamp(recordValue, fetchedFrom any, format TimestampFormat) any {
	recordTime, ok := expr.ParseTimestamp(recordValue)
	if !ok {
		return fetchedFrom
	}

	if fetchedFrom != nil {
		if fromTime, fromOK := expr.ParseTimestamp(fetchedFrom); fromOK && recordTime.Before(fromTime) {
			return fetchedFrom
		}
	}

	return formatTimestamp(recordTime, format)
}

// advanceID is advanceTimestamp for id cursors.
func advanceID(recordValue, fetchedFrom any) any {
	if recordValue == nil {
		return fetchedFrom
	}

	if fetchedFrom != nil && compareIDs(recordValue, fetchedFrom) < 0 {
		return fetchedFrom
	}

	return recordValue
}

// fetchValue renders a stored resume point as the integration parameter value.
func fetchValue(strategy Strategy, stored any, format TimestampFormat) any {
	if strategy != StrategyFindByTimestamp {
		return stored
	}

	t, ok := expr.ParseTimestamp(stored)
	if !ok {
		return stored
	}

	return formatTimestamp(t, format)
}
