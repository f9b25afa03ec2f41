// Package record holds the normalized record stream: identifier
// assignment, composite columns and the per-source exports.
package record

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/uk-ipop/opendata-pipeline/internal/source"
)

// IDField is the column that carries the run-scoped identifier.
const IDField = "CaseIdentifier"

// Record is one row as published by a portal, plus IDField once assigned.
type Record map[string]any

// Assign labels batch with counter, counter+1, ... in batch order and
// returns the next free identifier. Identifiers depend only on position, so
// reordering sources or fetching a different count for an earlier source
// changes every later identifier.
func Assign(batch []Record, counter int) int {
	for i, r := range batch {
		r[IDField] = counter + i
	}
	return counter + len(batch)
}

// ID returns the record's identifier, accepting the numeric forms produced
// by decoding a records file.
func (r Record) ID() (int, bool) {
	switch v := r[IDField].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return 0, false
		}
		return int(n), true
	default:
		return 0, false
	}
}

// ApplyComposites adds each composite column to every record. Inputs are
// stringified, empty parts skipped and joined with single spaces; a
// composite with no content is stored as nil.
func ApplyComposites(batch []Record, composites []source.CompositeField) {
	if len(composites) == 0 {
		return
	}
	for _, r := range batch {
		for _, c := range composites {
			var parts []string
			for _, f := range c.Fields {
				if s := strings.TrimSpace(Text(r[f])); s != "" {
					parts = append(parts, s)
				}
			}
			if len(parts) == 0 {
				r[c.Name] = nil
				continue
			}
			r[c.Name] = strings.Join(parts, " ")
		}
	}
}

// Text renders a field value the way it appears in flat exports. Nil
// becomes the empty string.
func Text(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case json.Number:
		return t.String()
	case bool:
		return strconv.FormatBool(t)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(b)
	}
}
