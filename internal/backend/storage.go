package backend

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// SignedURLTTL is the lifetime requested for signed blob URLs.
const SignedURLTTL = 60 * time.Second

type signRequest struct {
	ExpiresIn int `json:"expiresIn"`
}

type signResponse struct {
	SignedURL string `json:"signedURL"`
}

// Upload stores a file blob at the given object path in the bucket.
// Object paths are namespaced by user id (uid/uuid.ext) so storage
// policies can scope access per user.
func (c *Client) Upload(ctx context.Context, token, bucket, objectPath string, data []byte, contentType string) error {
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	err := c.do(ctx, request{
		method:      http.MethodPost,
		path:        "/storage/v1/object/" + bucket + "/" + objectPath,
		token:       token,
		raw:         data,
		contentType: contentType,
	}, nil)
	if err != nil {
		return fmt.Errorf("uploading object %s: %w", objectPath, err)
	}

	return nil
}

// RemoveObject deletes a file blob. Called when a file document is
// deleted so storage does not leak orphaned blobs.
func (c *Client) RemoveObject(ctx context.Context, token, bucket, objectPath string) error {
	err := c.do(ctx, request{
		method: http.MethodDelete,
		path:   "/storage/v1/object/" + bucket + "/" + objectPath,
		token:  token,
	}, nil)
	if err != nil {
		return fmt.Errorf("removing object %s: %w", objectPath, err)
	}

	return nil
}

// CreateSignedURL returns a time-limited URL granting read access to a
// stored blob. The TTL is SignedURLTTL.
func (c *Client) CreateSignedURL(ctx context.Context, token, bucket, objectPath string) (string, error) {
	var resp signResponse

	err := c.do(ctx, request{
		method: http.MethodPost,
		path:   "/storage/v1/object/sign/" + bucket + "/" + objectPath,
		token:  token,
		body:   signRequest{ExpiresIn: int(SignedURLTTL.Seconds())},
	}, &resp)
	if err != nil {
		return "", fmt.Errorf("signing object %s: %w", objectPath, err)
	}

	if resp.SignedURL == "" {
		return "", fmt.Errorf("signing object %s: empty signed URL in response", objectPath)
	}

	// The service returns a path relative to the storage root.
	if strings.HasPrefix(resp.SignedURL, "/") {
		return c.baseURL + "/storage/v1" + resp.SignedURL, nil
	}

	return resp.SignedURL, nil
}

// Download fetches a blob through its signed URL. Reads are capped at
// maxBlobBytes.
func (c *Client) Download(ctx context.Context, signedURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, signedURL, nil)
	if err != nil {
		return nil, fmt.Errorf("creating download request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &TransientError{Err: fmt.Errorf("downloading object: %w", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		err := fmt.Errorf("download returned status %d: %s", resp.StatusCode, sanitizeResponseBody(body))

		if isTransientStatus(resp.StatusCode) {
			return nil, &TransientError{Err: err}
		}

		return nil, err
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBlobBytes))
	if err != nil {
		return nil, fmt.Errorf("reading object body: %w", err)
	}

	return data, nil
}
