// Package tableid expands table-name templates into concrete table ids.
//
// A template is a format string that may contain strftime-style time
// directives ("events_%Y%m%d"), top-level record field placeholders
// ("events_${region}"), a trailing "@dotted.path" timestamp-column reference
// selecting the effective time from a record, and the "%{time_slice}"
// placeholder resolved from a batch's partition key.
//
// Resolution is a pure function of its inputs; the deterministic load-job id
// derivation depends on that.
package tableid

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/lestrrat-go/strftime"

	"github.com/stratusdata/bqsink/pkg/bqerrors"
)

var (
	placeholderRe = regexp.MustCompile(`\$\{\s*(\w+)\s*\}`)
	nonWordRe     = regexp.MustCompile(`\W`)
)

const timeSlicePlaceholder = "%{time_slice}"

// Resolver resolves table-id templates. The zero value resolves in local
// time with no time-slice fallback format.
type Resolver struct {
	// UTC formats time directives in UTC instead of local time.
	UTC bool
	// TimeSliceFormat formats the current time for %{time_slice} when no
	// batch partition key is available (e.g. the schema-fetch path).
	TimeSliceFormat string
}

// Resolve expands template at the given current time. record may be nil;
// partitionKey may be empty when there is no batch context.
func (r *Resolver) Resolve(template string, now time.Time, record map[string]interface{}, partitionKey string) (string, error) {
	format := template
	var tsColumn string
	if at := strings.Index(template, "@"); at >= 0 {
		format = template[:at]
		tsColumn = template[at+1:]
	}

	effective := now
	if tsColumn != "" && record != nil {
		if v, ok := walkPath(record, tsColumn); ok {
			if t, ok := coerceTime(v); ok {
				effective = t
			}
		}
	}
	if r.UTC {
		effective = effective.UTC()
	}

	if record != nil && strings.Contains(format, "${") {
		format = placeholderRe.ReplaceAllStringFunc(format, func(m string) string {
			name := placeholderRe.FindStringSubmatch(m)[1]
			v, ok := record[name]
			if !ok || v == nil {
				return ""
			}
			return nonWordRe.ReplaceAllString(toString(v), "")
		})
	}

	if strings.Contains(format, timeSlicePlaceholder) {
		slice := partitionKey
		if slice == "" && r.TimeSliceFormat != "" {
			// With no batch context the slice reflects the current time,
			// not a record-shifted effective time.
			base := now
			if r.UTC {
				base = base.UTC()
			}
			var err error
			slice, err = strftime.Format(r.TimeSliceFormat, base)
			if err != nil {
				return "", bqerrors.Wrap(err, bqerrors.ErrorTypeConfig, "invalid time_slice_format")
			}
		}
		format = strings.ReplaceAll(format, timeSlicePlaceholder, slice)
	}

	tableID, err := strftime.Format(format, effective)
	if err != nil {
		return "", bqerrors.Wrap(err, bqerrors.ErrorTypeConfig, "invalid table id template").
			WithDetail("template", template)
	}
	return tableID, nil
}

// walkPath follows a dotted path through nested maps.
func walkPath(record map[string]interface{}, path string) (interface{}, bool) {
	var cur interface{} = record
	for _, key := range strings.Split(path, ".") {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil, false
		}
		cur, ok = m[key]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// coerceTime interprets a record value as an event time. Numeric values are
// unix seconds; strings are unix seconds or RFC3339.
func coerceTime(v interface{}) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case int:
		return time.Unix(int64(t), 0), true
	case int64:
		return time.Unix(t, 0), true
	case float64:
		sec := int64(t)
		nsec := int64((t - float64(sec)) * float64(time.Second))
		return time.Unix(sec, nsec), true
	case string:
		if sec, err := strconv.ParseInt(t, 10, 64); err == nil {
			return time.Unix(sec, 0), true
		}
		if parsed, err := time.Parse(time.RFC3339, t); err == nil {
			return parsed, true
		}
	}
	return time.Time{}, false
}

func toString(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		if t == float64(int64(t)) {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case bool:
		return strconv.FormatBool(t)
	default:
		return fmt.Sprintf("%v", t)
	}
}
