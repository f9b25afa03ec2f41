package address

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/uk-ipop/opendata-pipeline/internal/record"
	"github.com/uk-ipop/opendata-pipeline/internal/source"
	"github.com/uk-ipop/opendata-pipeline/pkg/geocode"
)

// NeedsGeocoding reports whether the record's coordinates are missing: the
// lat or lon field is absent, null, blank or numerically zero.
func NeedsGeocoding(rec record.Record, cfg *source.GeocodeConfig) bool {
	return missingCoordinate(rec[cfg.LatField]) || missingCoordinate(rec[cfg.LonField])
}

func missingCoordinate(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return true
		}
		f, err := strconv.ParseFloat(s, 64)
		return err == nil && f == 0
	case json.Number:
		f, err := t.Float64()
		return err == nil && f == 0
	case float64:
		return t == 0
	case int:
		return t == 0
	case int64:
		return t == 0
	default:
		return false
	}
}

// Select returns the geocode candidate for rec, or false when the record
// already has coordinates or its street is not a usable address. src must
// have a spatial config with bounds.
func Select(rec record.Record, src *source.Descriptor) (geocode.Candidate, bool) {
	cfg := src.SpatialConfig
	if cfg == nil || cfg.AddressFields.Street == nil || cfg.Bounds == nil {
		return geocode.Candidate{}, false
	}
	if !NeedsGeocoding(rec, cfg) {
		return geocode.Candidate{}, false
	}
	street, ok := Normalize(rec[*cfg.AddressFields.Street])
	if !ok {
		return geocode.Candidate{}, false
	}
	id, ok := rec.ID()
	if !ok {
		return geocode.Candidate{}, false
	}

	parts := []string{street}
	for _, field := range []*string{cfg.AddressFields.City, cfg.AddressFields.State, cfg.AddressFields.Zip} {
		if field == nil {
			continue
		}
		if s, ok := part(rec[*field]); ok {
			parts = append(parts, s)
		}
	}

	return geocode.Candidate{
		CaseIdentifier: id,
		Address:        strings.Join(parts, " "),
		Source:         src.Name,
		Extent:         Extent(*cfg.Bounds),
	}, true
}

// part renders an address component, skipping empty values and zeroes.
func part(v any) (string, bool) {
	s := strings.TrimSpace(record.Text(v))
	if s == "" || s == "0" {
		return "", false
	}
	return s, true
}

// Extent converts a descriptor's bounds to the geocoder's search extent.
func Extent(b source.Bounds) geocode.Extent {
	return geocode.Extent{
		XMin:             b.XMin,
		XMax:             b.XMax,
		YMin:             b.YMin,
		YMax:             b.YMax,
		SpatialReference: geocode.SpatialReference{WKID: b.SpatialReference.WKID},
	}
}
