package stages

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	apperr "github.com/yungbote/scenecast-backend/internal/pkg/errors"
)

type ClientOptions struct {
	BaseURL    string
	APIKey     string
	Timeout    time.Duration
	MaxRetries int
	Backoff    time.Duration
	HTTPClient *http.Client
}

// Client speaks JSON to an out-of-process generation service.
type Client struct {
	baseURL    string
	apiKey     string
	timeout    time.Duration
	maxRetries int
	backoff    time.Duration
	httpClient *http.Client
}

func NewClient(opts ClientOptions) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		return nil, errors.New("baseURL required")
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	maxRetries := opts.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}
	backoff := opts.Backoff
	if backoff <= 0 {
		backoff = 250 * time.Millisecond
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{}
	}
	return &Client{
		baseURL:    baseURL,
		apiKey:     strings.TrimSpace(opts.APIKey),
		timeout:    timeout,
		maxRetries: maxRetries,
		backoff:    backoff,
		httpClient: hc,
	}, nil
}

func (c *Client) BaseURL() string { return c.baseURL }

type HTTPError struct {
	StatusCode int
	Message    string
	Body       string
}

func (e *HTTPError) Error() string {
	msg := strings.TrimSpace(e.Message)
	if msg == "" {
		msg = http.StatusText(e.StatusCode)
	}
	return fmt.Sprintf("http error: status=%d message=%s", e.StatusCode, msg)
}

func parseHTTPError(status int, raw []byte) *HTTPError {
	var env struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
		Detail string `json:"detail"`
	}
	herr := &HTTPError{StatusCode: status, Body: strings.TrimSpace(string(raw))}
	if err := json.Unmarshal(raw, &env); err == nil {
		herr.Message = strings.TrimSpace(env.Error.Message)
		if herr.Message == "" {
			herr.Message = strings.TrimSpace(env.Detail)
		}
	}
	return herr
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}

// doJSON retries transport errors and 5xx with doubling backoff. 4xx is final.
// Every failure comes back classified: ErrTimeout for deadlines, otherwise ErrCollaborator.
func (c *Client) doJSON(ctx context.Context, stage Stage, path string, body, out interface{}) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return apperr.Wrap(apperr.ErrInput, string(stage), "encode", "", err)
		}
	}

	ctx2, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var lastErr error
	backoff := c.backoff
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if ctx2.Err() != nil {
			return classify(stage, ctx2.Err())
		}
		req, err := http.NewRequestWithContext(ctx2, http.MethodPost, c.baseURL+path, bytes.NewReader(buf.Bytes()))
		if err != nil {
			return apperr.Wrap(apperr.ErrInput, string(stage), "request", "", err)
		}
		c.setHeaders(req)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = err
		} else {
			raw, readErr := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
			_ = resp.Body.Close()
			switch {
			case readErr != nil:
				lastErr = readErr
			case resp.StatusCode >= 200 && resp.StatusCode < 300:
				if out == nil {
					return nil
				}
				if err := json.Unmarshal(raw, out); err != nil {
					return apperr.Wrap(apperr.ErrCollaborator, string(stage), "decode", "bad response body", err)
				}
				return nil
			case resp.StatusCode < 500:
				return apperr.Wrap(apperr.ErrCollaborator, string(stage), "", "", parseHTTPError(resp.StatusCode, raw))
			default:
				lastErr = parseHTTPError(resp.StatusCode, raw)
			}
		}

		if attempt < c.maxRetries {
			select {
			case <-ctx2.Done():
				return classify(stage, ctx2.Err())
			case <-time.After(backoff):
			}
			backoff *= 2
		}
	}
	if lastErr == nil {
		lastErr = errors.New("request failed")
	}
	return classify(stage, lastErr)
}

func classify(stage Stage, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return apperr.Wrap(apperr.ErrTimeout, string(stage), "", "deadline exceeded", err)
	}
	return apperr.Wrap(apperr.ErrCollaborator, string(stage), "", "", err)
}

// Check probes GET {base}/healthz.
func (c *Client) Check(ctx context.Context, name string) Health {
	ctx2, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx2, http.MethodGet, c.baseURL+"/healthz", nil)
	if err != nil {
		return Health{Name: name, Detail: err.Error()}
	}
	c.setHeaders(req)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Health{Name: name, Detail: err.Error()}
	}
	_ = resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Health{Name: name, Detail: fmt.Sprintf("status %d", resp.StatusCode)}
	}
	return Health{Name: name, Ready: true}
}
