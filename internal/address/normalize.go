// Package address decides which records need geocoding and builds the
// single-line address sent to the geocoder.
package address

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/uk-ipop/opendata-pipeline/internal/record"
)

// placeholders are whole-value street entries that mean "no address".
var placeholders = map[string]bool{
	"same":         true,
	"none":         true,
	"undetermined": true,
	"no scene":     true,
}

// Normalize lowercases and trims a street value. It reports false when the
// value is missing or a known placeholder for an unknown address.
func Normalize(v any) (string, bool) {
	if v == nil {
		return "", false
	}
	// Casers carry state, so each call gets its own.
	s := strings.TrimSpace(cases.Lower(language.Und).String(record.Text(v)))
	if s == "" {
		return "", false
	}
	if strings.Contains(s, "unk") || strings.Contains(s, "n/a") {
		return "", false
	}
	if placeholders[s] {
		return "", false
	}
	return s, true
}
