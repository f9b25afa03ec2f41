package geocode

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/uk-ipop/opendata-pipeline/internal/resilience"
)

// DefaultBaseURL is the ArcGIS World findAddressCandidates endpoint.
const DefaultBaseURL = "https://geocode.arcgis.com/arcgis/rest/services/World/GeocodeServer/findAddressCandidates"

// arcgisResponse is the findAddressCandidates JSON body. Service errors
// such as an expired token (code 498) come back as HTTP 200 with Error set.
type arcgisResponse struct {
	Candidates []arcgisCandidate `json:"candidates"`
	Error      *arcgisError      `json:"error"`
}

type arcgisError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type arcgisCandidate struct {
	Address  string `json:"address"`
	Location struct {
		X float64 `json:"x"`
		Y float64 `json:"y"`
	} `json:"location"`
	Score float64 `json:"score"`
}

// Option configures the ArcGIS client.
type Option func(*ArcGISClient)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *ArcGISClient) {
		c.httpClient = hc
	}
}

// WithBaseURL overrides the findAddressCandidates endpoint.
func WithBaseURL(u string) Option {
	return func(c *ArcGISClient) {
		if u != "" {
			c.baseURL = u
		}
	}
}

// WithRateLimit sets the requests-per-second limit shared by all callers.
func WithRateLimit(rps float64) Option {
	return func(c *ArcGISClient) {
		if rps > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(rps), max(int(rps), 1))
		}
	}
}

// WithMaxRetries sets how many retries follow the first attempt.
func WithMaxRetries(n int) Option {
	return func(c *ArcGISClient) {
		if n >= 0 {
			c.maxRetries = n
		}
	}
}

// WithRetryDelay sets the base delay between attempts.
func WithRetryDelay(d time.Duration) Option {
	return func(c *ArcGISClient) {
		if d >= 0 {
			c.retryDelay = d
		}
	}
}

// ArcGISClient calls findAddressCandidates with a fixed retry schedule:
// a non-200 answer waits the retry delay, a timeout or other transient
// transport failure waits (retry+1) times the delay, and any failure on
// the final retry is ErrExhaustedRetries.
type ArcGISClient struct {
	httpClient *http.Client
	baseURL    string
	token      string
	maxRetries int
	retryDelay time.Duration
	limiter    *rate.Limiter
	sleep      func(ctx context.Context, d time.Duration) error
}

// NewArcGISClient creates a client authenticated with token.
func NewArcGISClient(token string, opts ...Option) *ArcGISClient {
	c := &ArcGISClient{
		httpClient: &http.Client{Timeout: 20 * time.Second},
		baseURL:    DefaultBaseURL,
		token:      token,
		maxRetries: 5,
		retryDelay: 10 * time.Second,
		limiter:    rate.NewLimiter(20, 20),
		sleep:      sleepCtx,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// MaxAttempts is the number of requests made before giving up.
func (c *ArcGISClient) MaxAttempts() int { return c.maxRetries + 1 }

// BuildURL returns the request URL for cand.
func (c *ArcGISClient) BuildURL(cand Candidate) (string, error) {
	extent, err := json.Marshal(cand.Extent)
	if err != nil {
		return "", eris.Wrap(err, "geocode: marshal search extent")
	}
	params := url.Values{
		"f":             {"json"},
		"outFields":     {"none"},
		"outSR":         {"4326"},
		"token":         {c.token},
		"forStorage":    {"false"},
		"locationType":  {"street"},
		"sourceCountry": {"USA"},
		"maxLocations":  {"1"},
		"maxOutOfRange": {"false"},
		"searchExtent":  {string(extent)},
		"SingleLine":    {cand.Address},
	}
	return c.baseURL + "?" + params.Encode(), nil
}

// Geocode implements Client.
func (c *ArcGISClient) Geocode(ctx context.Context, cand Candidate) (*Result, error) {
	if c.token == "" {
		return nil, eris.Wrap(resilience.ErrMissingConfiguration, "geocode: arcgis api key is required")
	}
	reqURL, err := c.BuildURL(cand)
	if err != nil {
		return nil, err
	}
	log := zap.L().With(
		zap.String("source", cand.Source),
		zap.Int("case_identifier", cand.CaseIdentifier),
	)

	for retry := 0; ; retry++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, eris.Wrap(err, "geocode: rate limit")
		}

		result, failure, err := c.attempt(ctx, reqURL, cand, retry)
		if err != nil {
			return nil, err
		}
		if failure == nil {
			return result, nil
		}

		if retry >= c.maxRetries {
			return nil, eris.Wrapf(&resilience.ExhaustedError{Attempts: retry + 1, Last: failure.err},
				"geocode: case %d from %s", cand.CaseIdentifier, cand.Source)
		}
		log.Warn("geocode request failed, retrying",
			zap.Int("retry", retry+1),
			zap.Int("max_retries", c.maxRetries),
			zap.Duration("delay", failure.delay),
			zap.Error(failure.err),
		)
		if err := c.sleep(ctx, failure.delay); err != nil {
			return nil, eris.Wrap(err, "geocode: retry wait")
		}
	}
}

// retryable is a failed attempt that may be retried after delay.
type retryable struct {
	err   error
	delay time.Duration
}

// attempt makes one request. It returns a result, a retryable failure, or
// a fatal error.
func (c *ArcGISClient) attempt(ctx context.Context, reqURL string, cand Candidate, retry int) (*Result, *retryable, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, nil, eris.Wrap(err, "geocode: build request")
	}
	backoff := time.Duration(retry+1) * c.retryDelay

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, nil, eris.Wrap(ctx.Err(), "geocode: request cancelled")
		}
		if !resilience.IsTransient(err) {
			return nil, nil, eris.Wrapf(err, "geocode: case %d", cand.CaseIdentifier)
		}
		return nil, &retryable{err: err, delay: backoff}, nil
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		statusErr := eris.Errorf("geocode: status %d", resp.StatusCode)
		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			statusErr = resilience.NewTransientError(statusErr, resp.StatusCode)
		}
		return nil, &retryable{err: statusErr, delay: c.retryDelay}, nil
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		if resilience.IsTransient(err) {
			return nil, &retryable{err: err, delay: backoff}, nil
		}
		return nil, nil, eris.Wrap(err, "geocode: read body")
	}

	var parsed arcgisResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, nil, eris.Wrapf(resilience.ErrMalformedResponse,
			"geocode: case %d: %v", cand.CaseIdentifier, err)
	}

	if parsed.Error != nil {
		return nil, nil, eris.Wrapf(resilience.ErrMalformedResponse,
			"geocode: case %d: service error %d: %s", cand.CaseIdentifier, parsed.Error.Code, parsed.Error.Message)
	}

	result := &Result{CaseIdentifier: cand.CaseIdentifier, DataSource: cand.Source}
	if len(parsed.Candidates) == 0 {
		return result, nil, nil
	}
	best := parsed.Candidates[0]
	result.Latitude = best.Location.Y
	result.Longitude = best.Location.X
	result.Score = best.Score
	result.MatchedAddress = best.Address
	result.Matched = true
	return result, nil, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
