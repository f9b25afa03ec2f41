// Package source models the open-data portals a run pulls from and the
// descriptor file that lists them.
package source

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"

	"github.com/uk-ipop/opendata-pipeline/internal/resilience"
)

// Mode identifies how a portal is paged. It is resolved once by Validate.
type Mode int

const (
	// ModeUnknown marks a descriptor that has not been validated.
	ModeUnknown Mode = iota
	// ModePaginated is feature-server offset paging (features[].attributes).
	ModePaginated
	// ModeSyncBatch is a single OData-style request sized by $top.
	ModeSyncBatch
)

func (m Mode) String() string {
	switch m {
	case ModePaginated:
		return "paginated"
	case ModeSyncBatch:
		return "sync_batch"
	default:
		return "unknown"
	}
}

// Response formats for SyncBatch sources.
const (
	FormatOData    = "odata"
	FormatFeatures = "features"
)

// ErrInvalidDescriptor is returned for descriptors whose flags contradict each other.
var ErrInvalidDescriptor = eris.New("invalid source descriptor")

// SpatialReference identifies the coordinate system of a bounding box.
type SpatialReference struct {
	WKID int `json:"wkid" yaml:"wkid"`
}

// Bounds is the rectangular search extent used to bias geocoding.
type Bounds struct {
	XMin             float64          `json:"xmin" yaml:"xmin"`
	XMax             float64          `json:"xmax" yaml:"xmax"`
	YMin             float64          `json:"ymin" yaml:"ymin"`
	YMax             float64          `json:"ymax" yaml:"ymax"`
	SpatialReference SpatialReference `json:"spatial_reference" yaml:"spatial_reference"`
}

// Geom returns the extent as a go-geom XY bounds.
func (b Bounds) Geom() *geom.Bounds {
	return geom.NewBounds(geom.XY).Set(b.XMin, b.YMin, b.XMax, b.YMax)
}

// Contains reports whether the lon/lat point lies inside the extent.
func (b Bounds) Contains(lon, lat float64) bool {
	return b.Geom().OverlapsPoint(geom.XY, geom.Coord{lon, lat})
}

// AddressFields names the record columns that make up a street address.
// Any of them may be absent from a portal.
type AddressFields struct {
	Street *string `json:"street" yaml:"street"`
	City   *string `json:"city" yaml:"city"`
	State  *string `json:"state" yaml:"state"`
	Zip    *string `json:"zip" yaml:"zip"`
}

// GeocodeConfig describes where a source keeps coordinates and addresses.
type GeocodeConfig struct {
	LatField      string        `json:"lat_field" yaml:"lat_field"`
	LonField      string        `json:"lon_field" yaml:"lon_field"`
	AddressFields AddressFields `json:"address_fields" yaml:"address_fields"`
	Bounds        *Bounds       `json:"bounds" yaml:"bounds"`
	SpatialJoin   bool          `json:"spatial_join" yaml:"spatial_join"`
}

// CompositeField builds a new column by joining existing ones with spaces.
type CompositeField struct {
	Name   string   `json:"name" yaml:"name"`
	Fields []string `json:"fields" yaml:"fields"`
}

// Descriptor is the per-portal configuration. Everything except
// TotalRecords is read-only during a run.
type Descriptor struct {
	Name            string           `json:"name" yaml:"name"`
	URL             string           `json:"url" yaml:"url"`
	TotalRecords    int              `json:"total_records" yaml:"total_records"`
	NeedsPagination bool             `json:"needs_pagination" yaml:"needs_pagination"`
	IsOpenData      bool             `json:"is_open_data" yaml:"is_open_data"`
	ResponseFormat  string           `json:"response_format,omitempty" yaml:"response_format,omitempty"`
	DrugColumns     []string         `json:"drug_columns" yaml:"drug_columns"`
	CompositeFields []CompositeField `json:"composite_fields,omitempty" yaml:"composite_fields,omitempty"`
	NeedsGeocoding  bool             `json:"needs_geocoding" yaml:"needs_geocoding"`
	SpatialConfig   *GeocodeConfig   `json:"spatial_config" yaml:"spatial_config"`
	DateField       string           `json:"date_field" yaml:"date_field"`
	StateFIPSCode   string           `json:"state_fips_code" yaml:"state_fips_code"`

	mode Mode
}

// Mode returns the paging mode resolved by Validate.
func (d *Descriptor) Mode() Mode { return d.mode }

// Validate checks the descriptor invariants and resolves its Mode.
func (d *Descriptor) Validate() error {
	if strings.TrimSpace(d.Name) == "" {
		return eris.Wrap(ErrInvalidDescriptor, "source: name is required")
	}
	if strings.TrimSpace(d.URL) == "" {
		return eris.Wrapf(ErrInvalidDescriptor, "source %s: url is required", d.Name)
	}
	if d.TotalRecords < 0 {
		return eris.Wrapf(ErrInvalidDescriptor, "source %s: total_records must not be negative", d.Name)
	}

	switch {
	case d.NeedsPagination && d.IsOpenData:
		return eris.Wrapf(ErrInvalidDescriptor, "source %s: only one of needs_pagination and is_open_data can be true", d.Name)
	case d.NeedsPagination:
		d.mode = ModePaginated
	case d.IsOpenData:
		d.mode = ModeSyncBatch
	default:
		return eris.Wrapf(ErrInvalidDescriptor, "source %s: one of needs_pagination or is_open_data must be true", d.Name)
	}

	switch d.ResponseFormat {
	case "", FormatOData:
	case FormatFeatures:
		if d.mode != ModeSyncBatch {
			return eris.Wrapf(ErrInvalidDescriptor, "source %s: response_format %q requires is_open_data", d.Name, d.ResponseFormat)
		}
	default:
		return eris.Wrapf(ErrInvalidDescriptor, "source %s: unknown response_format %q", d.Name, d.ResponseFormat)
	}

	for _, c := range d.CompositeFields {
		if c.Name == "" || len(c.Fields) == 0 {
			return eris.Wrapf(ErrInvalidDescriptor, "source %s: composite fields need a name and at least one input", d.Name)
		}
	}

	if d.NeedsGeocoding {
		if err := d.validateGeocoding(); err != nil {
			return err
		}
	}
	return nil
}

func (d *Descriptor) validateGeocoding() error {
	sc := d.SpatialConfig
	if sc == nil {
		return eris.Wrapf(resilience.ErrMissingConfiguration, "source %s: spatial_config must be provided if needs_geocoding is true", d.Name)
	}
	if sc.LatField == "" || sc.LonField == "" {
		return eris.Wrapf(resilience.ErrMissingConfiguration, "source %s: lat_field and lon_field are required for geocoding", d.Name)
	}
	if sc.AddressFields.Street == nil {
		return eris.Wrapf(resilience.ErrMissingConfiguration, "source %s: street field is required for geocoding", d.Name)
	}
	if sc.AddressFields.City == nil && sc.AddressFields.Zip == nil {
		return eris.Wrapf(resilience.ErrMissingConfiguration, "source %s: city or zip field is required for geocoding", d.Name)
	}
	if sc.Bounds == nil {
		return eris.Wrapf(resilience.ErrMissingConfiguration, "source %s: bounds are required for geocoding", d.Name)
	}
	if sc.Bounds.SpatialReference.WKID == 0 {
		return eris.Wrapf(resilience.ErrMissingConfiguration, "source %s: bounds need a spatial_reference wkid", d.Name)
	}
	if sc.Bounds.Geom().IsEmpty() {
		return eris.Wrapf(resilience.ErrMissingConfiguration, "source %s: bounds must satisfy xmin <= xmax and ymin <= ymax", d.Name)
	}
	return nil
}

// Slug is the name lowercased with spaces replaced by underscores.
func (d *Descriptor) Slug() string {
	return strings.ToLower(strings.ReplaceAll(d.Name, " ", "_"))
}

// RecordsFilename is the normalized record stream for this source.
func (d *Descriptor) RecordsFilename() string { return d.Slug() + "_records.jsonl" }

// DrugPrepFilename is the flattened text-search extract for this source.
func (d *Descriptor) DrugPrepFilename() string { return d.Slug() + "_drug_prep.csv" }

// GeoJSONFilename is the per-source point export of geocoded results.
func (d *Descriptor) GeoJSONFilename() string { return d.Slug() + "_geocoded.geojson" }
