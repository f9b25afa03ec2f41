package source

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/uk-ipop/opendata-pipeline/internal/resilience"
)

// RemoteStore reads the descriptor file from its raw URL and updates it
// through the GitHub contents API.
type RemoteStore struct {
	HTTPClient *http.Client
	RawURL     string
	APIURL     string // e.g. https://api.github.com
	Repo       string // owner/name
	Path       string
	Branch     string
	Token      string
	// Retry governs every request; the zero value means
	// resilience.DefaultRetryConfig.
	Retry resilience.RetryConfig

	now func() time.Time
}

type contentsResponse struct {
	SHA string `json:"sha"`
}

type contentsUpdate struct {
	Message string `json:"message"`
	Content string `json:"content"`
	SHA     string `json:"sha"`
	Branch  string `json:"branch,omitempty"`
}

func (r *RemoteStore) client() *http.Client {
	if r.HTTPClient != nil {
		return r.HTTPClient
	}
	return &http.Client{Timeout: 30 * time.Second}
}

func (r *RemoteStore) contentsURL() string {
	u := fmt.Sprintf("%s/repos/%s/contents/%s", r.APIURL, r.Repo, r.Path)
	if r.Branch != "" {
		u += "?ref=" + url.QueryEscape(r.Branch)
	}
	return u
}

// Load fetches and validates the remote descriptor file.
func (r *RemoteStore) Load(ctx context.Context) (*Set, error) {
	zap.L().Info("loading remote source descriptors", zap.String("url", r.RawURL))

	const op = "source: fetch remote descriptors"
	res, err := resilience.DoVal(ctx, r.retryConfig(op), func(ctx context.Context) (remoteResponse, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.RawURL, nil)
		if err != nil {
			return remoteResponse{}, eris.Wrap(err, "source: build remote request")
		}
		return r.send(req, op)
	})
	if err != nil {
		return nil, err
	}
	if res.status != http.StatusOK {
		return nil, eris.Errorf("source: remote descriptors returned status %d: %s", res.status, truncate(res.body, 200))
	}
	return Parse(res.body, FormatFor(r.RawURL))
}

// Save commits the encoded set over the remote file. It needs a token and
// the current blob sha of the file.
func (r *RemoteStore) Save(ctx context.Context, set *Set) error {
	if r.Token == "" {
		return eris.Wrap(resilience.ErrMissingConfiguration, "source: github token is required to update remote descriptors")
	}

	sha, err := r.currentSHA(ctx)
	if err != nil {
		return err
	}

	data, err := set.Encode(FormatFor(r.Path))
	if err != nil {
		return err
	}

	now := time.Now
	if r.now != nil {
		now = r.now
	}
	payload, err := json.Marshal(contentsUpdate{
		Message: fmt.Sprintf("Update %s -- %s", r.Path, now().Format("2006-01-02")),
		Content: base64.StdEncoding.EncodeToString(data),
		SHA:     sha,
		Branch:  r.Branch,
	})
	if err != nil {
		return eris.Wrap(err, "source: marshal contents update")
	}

	const op = "source: update remote descriptors"
	err = resilience.Do(ctx, r.retryConfig(op), func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPut,
			fmt.Sprintf("%s/repos/%s/contents/%s", r.APIURL, r.Repo, r.Path), bytes.NewReader(payload))
		if err != nil {
			return eris.Wrap(err, "source: build contents update")
		}
		r.authorize(req)
		req.Header.Set("Content-Type", "application/json")

		res, err := r.send(req, op)
		if err != nil {
			return err
		}
		if res.status != http.StatusOK && res.status != http.StatusCreated {
			return eris.Errorf("source: contents update returned status %d: %s", res.status, truncate(res.body, 200))
		}
		return nil
	})
	if err != nil {
		return err
	}

	zap.L().Info("updated remote source descriptors",
		zap.String("repo", r.Repo),
		zap.String("path", r.Path),
	)
	return nil
}

func (r *RemoteStore) currentSHA(ctx context.Context) (string, error) {
	const op = "source: get contents"
	res, err := resilience.DoVal(ctx, r.retryConfig(op), func(ctx context.Context) (remoteResponse, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.contentsURL(), nil)
		if err != nil {
			return remoteResponse{}, eris.Wrap(err, "source: build contents request")
		}
		r.authorize(req)
		return r.send(req, op)
	})
	if err != nil {
		return "", err
	}
	if res.status != http.StatusOK {
		return "", eris.Errorf("source: contents returned status %d: %s", res.status, truncate(res.body, 200))
	}

	var cr contentsResponse
	if err := json.Unmarshal(res.body, &cr); err != nil {
		return "", eris.Wrap(err, "source: decode contents response")
	}
	if cr.SHA == "" {
		return "", eris.Wrap(resilience.ErrMalformedResponse, "source: contents response has no sha")
	}
	return cr.SHA, nil
}

type remoteResponse struct {
	status int
	body   []byte
}

// send performs one request. Transport failures and transient statuses come
// back as errors for the retry loop; any other status is left to the caller.
func (r *RemoteStore) send(req *http.Request, op string) (remoteResponse, error) {
	resp, err := r.client().Do(req)
	if err != nil {
		return remoteResponse{}, eris.Wrap(err, op)
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return remoteResponse{}, eris.Wrapf(err, "%s: read body", op)
	}
	if resilience.IsTransientHTTPStatus(resp.StatusCode) {
		return remoteResponse{}, resilience.NewTransientError(
			eris.Errorf("%s: status %d: %s", op, resp.StatusCode, truncate(body, 200)), resp.StatusCode)
	}
	return remoteResponse{status: resp.StatusCode, body: body}, nil
}

func (r *RemoteStore) retryConfig(op string) resilience.RetryConfig {
	cfg := r.Retry
	if cfg.MaxAttempts <= 0 {
		cfg = resilience.DefaultRetryConfig()
	}
	cfg.OnRetry = resilience.RetryLogger(zap.L(), op, cfg.MaxAttempts)
	return cfg
}

func (r *RemoteStore) authorize(req *http.Request) {
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("Authorization", "Bearer "+r.Token)
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n]) + "..."
	}
	return string(b)
}
