package geocoding

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/geojson"

	"github.com/uk-ipop/opendata-pipeline/pkg/geocode"
)

// jsonlFile is an append-only JSON lines stream. Nothing written is durable
// until Commit.
type jsonlFile struct {
	f   *os.File
	bw  *bufio.Writer
	enc *json.Encoder
}

// createJSONL truncates path and opens it for appending.
func createJSONL(path string) (*jsonlFile, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, eris.Wrapf(err, "geocoding: create %s", filepath.Dir(path))
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, eris.Wrapf(err, "geocoding: open %s", path)
	}
	bw := bufio.NewWriter(f)
	enc := json.NewEncoder(bw)
	enc.SetEscapeHTML(false)
	return &jsonlFile{f: f, bw: bw, enc: enc}, nil
}

// Write buffers one line.
func (j *jsonlFile) Write(v any) error {
	return eris.Wrapf(j.enc.Encode(v), "geocoding: encode %s", j.f.Name())
}

// Commit flushes buffered lines and syncs them to disk.
func (j *jsonlFile) Commit() error {
	if err := j.bw.Flush(); err != nil {
		return eris.Wrapf(err, "geocoding: flush %s", j.f.Name())
	}
	return eris.Wrapf(j.f.Sync(), "geocoding: sync %s", j.f.Name())
}

// Close closes the file without flushing uncommitted lines.
func (j *jsonlFile) Close() error {
	return j.f.Close()
}

// FeatureCollection builds a point per matched result.
func FeatureCollection(results []geocode.Result) *geojson.FeatureCollection {
	fc := &geojson.FeatureCollection{Features: make([]*geojson.Feature, 0, len(results))}
	if len(results) > 0 {
		fc.BBox = geom.NewBounds(geom.XY)
	}
	for _, r := range results {
		pt := geom.NewPointFlat(geom.XY, []float64{r.Longitude, r.Latitude})
		fc.BBox.Extend(pt)
		fc.Features = append(fc.Features, &geojson.Feature{
			Geometry: pt,
			Properties: map[string]interface{}{
				"CaseIdentifier":  r.CaseIdentifier,
				"score":           r.Score,
				"matched_address": r.MatchedAddress,
				"data_source":     r.DataSource,
			},
		})
	}
	return fc
}

// WriteGeoJSON writes results as a FeatureCollection, replacing path.
func WriteGeoJSON(path string, results []geocode.Result) error {
	data, err := json.Marshal(FeatureCollection(results))
	if err != nil {
		return eris.Wrap(err, "geocoding: encode geojson")
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return eris.Wrapf(err, "geocoding: write %s", tmp)
	}
	return eris.Wrapf(os.Rename(tmp, path), "geocoding: rename %s", tmp)
}
