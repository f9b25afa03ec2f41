package fetcher

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uk-ipop/opendata-pipeline/internal/resilience"
)

type featurePage struct {
	Features []struct {
		Attributes map[string]any `json:"attributes"`
	} `json:"features"`
}

func TestDecodeJSONObject_KeepsNumbers(t *testing.T) {
	input := `{"features":[{"attributes":{"CaseNum":"22-0001","DeathDate":1640995200000,"Age":41}}]}`

	page, err := DecodeJSONObject[featurePage](strings.NewReader(input))
	require.NoError(t, err)
	require.Len(t, page.Features, 1)

	attrs := page.Features[0].Attributes
	assert.Equal(t, json.Number("1640995200000"), attrs["DeathDate"])
	assert.Equal(t, json.Number("41"), attrs["Age"])
	assert.Equal(t, "22-0001", attrs["CaseNum"])
}

func TestDecodeJSONObject_Invalid(t *testing.T) {
	_, err := DecodeJSONObject[featurePage](strings.NewReader(`<html>`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "json: decode object")
}

func TestGetJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"features":[{"attributes":{"a":1}},{"attributes":{"a":2}}]}`))
	}))
	defer srv.Close()

	page, err := GetJSON[featurePage](context.Background(), newTestFetcher(), srv.URL)
	require.NoError(t, err)
	assert.Len(t, page.Features, 2)
}

func TestGetJSON_NotJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("<html>maintenance</html>"))
	}))
	defer srv.Close()

	_, err := GetJSON[featurePage](context.Background(), newTestFetcher(), srv.URL)
	require.Error(t, err)
	assert.ErrorIs(t, err, resilience.ErrMalformedResponse)
}

func TestGetJSON_StatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := GetJSON[featurePage](context.Background(), newTestFetcher(), srv.URL)
	require.Error(t, err)
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusNotFound, se.Code)
}
