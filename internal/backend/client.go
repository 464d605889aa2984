package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"
)

// TransientError wraps an error that is likely temporary and safe to retry.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err (or any error in its chain) is a
// TransientError, meaning the caller should retry after a backoff.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

const (
	// maxRedirects is the maximum number of HTTP redirects to follow
	// before giving up, matching the default net/http limit.
	maxRedirects = 10

	// httpClientTimeout is the timeout for the default HTTP client used
	// when no custom client is provided.
	httpClientTimeout = 30 * time.Second

	// maxAPIResponseBytes caps JSON response body reads. Row and auth
	// payloads are small; anything larger is a misbehaving server.
	maxAPIResponseBytes = 4 * 1024 * 1024

	// maxBlobBytes caps signed-URL downloads.
	maxBlobBytes = 256 * 1024 * 1024
)

// Client talks to the hosted backend: the auth service, the documents
// rows API, and object storage. It is stateless with respect to the
// session; methods that need authentication take the access token.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
}

// sameHostRedirectPolicy follows redirects only when the target host
// matches the original request host. This prevents the project API key
// or Authorization header from leaking to third-party domains.
func sameHostRedirectPolicy(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return errors.New("stopped after 10 redirects")
	}

	if len(via) > 0 {
		origHost := via[0].URL.Host
		if req.URL.Host != origHost {
			return fmt.Errorf("redirect to different host blocked: %s -> %s", origHost, req.URL.Host)
		}
	}

	return nil
}

// NewClient creates a backend client for the given project URL and API
// key. If httpClient is nil, a client with a 30-second timeout and
// same-host redirect policy is created.
func NewClient(baseURL, apiKey string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout:       httpClientTimeout,
			CheckRedirect: sameHostRedirectPolicy,
		}
	}

	return &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		apiKey:     apiKey,
	}
}

// apiError is the error body shape returned by the backend. The auth
// service uses error/error_description and msg; the rows service uses
// message.
type apiError struct {
	Message   string `json:"message"`
	Msg       string `json:"msg"`
	ErrorCode string `json:"error"`
	ErrorDesc string `json:"error_description"`
}

func (e apiError) text() string {
	switch {
	case e.Message != "":
		return e.Message
	case e.Msg != "":
		return e.Msg
	case e.ErrorDesc != "":
		return e.ErrorDesc
	default:
		return e.ErrorCode
	}
}

// sanitizeResponseBody truncates and sanitizes a response body for
// inclusion in error messages. Limits to 256 bytes and replaces
// non-printable characters to prevent log injection.
func sanitizeResponseBody(body []byte) string {
	const maxLen = 256
	if len(body) > maxLen {
		body = body[:maxLen]
	}
	// Ensure valid UTF-8 and replace control characters.
	var clean []byte

	for len(body) > 0 {
		r, size := utf8.DecodeRune(body)
		if r == utf8.RuneError && size <= 1 {
			clean = append(clean, '?')
			body = body[1:]

			continue
		}

		if r < 0x20 && r != '\n' && r != '\r' && r != '\t' {
			clean = append(clean, '?')
		} else {
			clean = append(clean, body[:size]...)
		}

		body = body[size:]
	}

	return string(clean)
}

// request describes one API call for the do helper.
type request struct {
	method string
	path   string
	query  url.Values
	token  string
	body   any
	// raw overrides the JSON body with pre-encoded bytes (uploads).
	raw         []byte
	contentType string
	// representation asks the rows service to return the affected rows.
	representation bool
}

// do sends the request and decodes the JSON response into result when
// result is non-nil. Network failures and retryable status codes come
// back wrapped in TransientError.
func (c *Client) do(ctx context.Context, r request, result any) error {
	var reader io.Reader

	contentType := "application/json"

	switch {
	case r.raw != nil:
		reader = bytes.NewReader(r.raw)
		if r.contentType != "" {
			contentType = r.contentType
		}
	case r.body != nil:
		payload, err := json.Marshal(r.body)
		if err != nil {
			return fmt.Errorf("marshalling request body: %w", err)
		}

		reader = bytes.NewReader(payload)
	}

	endpoint := c.baseURL + r.path
	if len(r.query) > 0 {
		endpoint += "?" + r.query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, r.method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	if reader != nil {
		req.Header.Set("Content-Type", contentType)
	}

	req.Header.Set("apikey", c.apiKey)

	if r.token != "" {
		req.Header.Set("Authorization", "Bearer "+r.token)
	} else {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	if r.representation {
		req.Header.Set("Prefer", "return=representation")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		wrapped := fmt.Errorf("sending request to %s: %w", r.path, err)
		// Network errors (timeouts, connection refused, DNS failures)
		// are transient by nature.
		return &TransientError{Err: wrapped}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxAPIResponseBytes))
	if err != nil {
		return fmt.Errorf("reading response from %s: %w", r.path, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.text() != "" {
			err := fmt.Errorf("API %s (%d): %s", r.path, resp.StatusCode, apiErr.text())
			if isTransientStatus(resp.StatusCode) {
				return &TransientError{Err: err}
			}

			return err
		}

		err := fmt.Errorf("API %s returned status %d: %s", r.path, resp.StatusCode, sanitizeResponseBody(respBody))
		if isTransientStatus(resp.StatusCode) {
			return &TransientError{Err: err}
		}

		return err
	}

	if result != nil {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("decoding response from %s: %w", r.path, err)
		}
	}

	return nil
}

// isTransientStatus returns true for HTTP status codes that indicate a
// temporary server-side problem worth retrying.
func isTransientStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}

	return false
}
