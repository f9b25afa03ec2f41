package fetcher

import (
	"context"
	"encoding/json"
	"io"

	"github.com/rotisserie/eris"

	"github.com/uk-ipop/opendata-pipeline/internal/resilience"
)

// DecodeJSONObject decodes a single JSON object from a reader. Numbers are
// kept as json.Number so large identifiers and epoch timestamps survive.
func DecodeJSONObject[T any](r io.Reader) (*T, error) {
	var obj T
	dec := json.NewDecoder(r)
	dec.UseNumber()
	if err := dec.Decode(&obj); err != nil {
		return nil, eris.Wrap(err, "json: decode object")
	}
	return &obj, nil
}

// GetJSON downloads url with f and decodes the body as a T. A body that is
// not JSON is reported as resilience.ErrMalformedResponse.
func GetJSON[T any](ctx context.Context, f Fetcher, url string) (*T, error) {
	body, err := f.Download(ctx, url)
	if err != nil {
		return nil, err
	}
	defer body.Close() //nolint:errcheck

	obj, err := DecodeJSONObject[T](body)
	if err != nil {
		return nil, eris.Wrapf(resilience.ErrMalformedResponse, "fetcher: %s: %v", url, err)
	}
	return obj, nil
}
