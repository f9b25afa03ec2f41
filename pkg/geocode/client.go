// Package geocode resolves single-line addresses to coordinates with the
// ArcGIS World geocoding service.
package geocode

import (
	"context"
)

// Client geocodes one candidate address.
type Client interface {
	// Geocode returns the best match for c. An address the service cannot
	// place is a Result with Matched false, not an error.
	Geocode(ctx context.Context, c Candidate) (*Result, error)
}

// SpatialReference identifies a coordinate system by well-known ID.
type SpatialReference struct {
	WKID int `json:"wkid"`
}

// Extent is the rectangle the service is asked to search within.
type Extent struct {
	XMin             float64          `json:"xmin"`
	XMax             float64          `json:"xmax"`
	YMin             float64          `json:"ymin"`
	YMax             float64          `json:"ymax"`
	SpatialReference SpatialReference `json:"spatial_reference"`
}

// Candidate is a record selected for geocoding.
type Candidate struct {
	CaseIdentifier int
	Address        string // single line, parts joined by one space
	Source         string
	Extent         Extent
}

// Result is one geocoded record as written to the results stream.
type Result struct {
	CaseIdentifier int     `json:"CaseIdentifier"`
	Latitude       float64 `json:"latitude"`
	Longitude      float64 `json:"longitude"`
	Score          float64 `json:"score"`
	MatchedAddress string  `json:"matched_address"`
	DataSource     string  `json:"data_source"`
	Matched        bool    `json:"-"`
}
