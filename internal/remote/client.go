// Package remote talks to the gist-like single-file store a room
// synchronizes its canonical markdown to. Writes use optimistic
// concurrency via the store's entity tag.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"
)

const (
	headerIfMatch       = "If-Match"
	headerETag          = "ETag"
	headerAuthorization = "Authorization"
	headerAccept        = "Accept"
	acceptJSON          = "application/vnd.github+json"
)

var (
	// ErrMissingBaseURL indicates the client was built without a base URL.
	ErrMissingBaseURL = errors.New("remote: base url required")
	// ErrPreconditionFailed indicates the remote content changed underneath us.
	ErrPreconditionFailed = errors.New("remote: precondition failed")
	// ErrRateLimited indicates the store asked us to back off.
	ErrRateLimited = errors.New("remote: rate limited")
	// ErrUnavailable indicates a transient server-side failure.
	ErrUnavailable = errors.New("remote: store unavailable")
	// ErrPermissionDenied indicates an auth or permission failure.
	ErrPermissionDenied = errors.New("remote: permission denied")
	// ErrNotFound indicates the remote document does not exist.
	ErrNotFound = errors.New("remote: document not found")
	// ErrMalformedResponse indicates the store returned an undecodable body.
	ErrMalformedResponse = errors.New("remote: malformed response")
	// ErrFileMissing indicates the named file is absent from the remote document.
	ErrFileMissing = errors.New("remote: file missing from document")
)

// Retryable reports whether a write may be retried automatically.
func Retryable(err error) bool {
	return errors.Is(err, ErrRateLimited) || errors.Is(err, ErrUnavailable)
}

// Content is a snapshot of the remote file with its version tag.
type Content struct {
	Text string
	ETag string
}

// ClientConfig bundles configuration for a Client.
type ClientConfig struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// Client reads and writes the remote single-file document store.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewClient validates the configuration and returns a Client.
func NewClient(cfg ClientConfig) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, ErrMissingBaseURL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL:    baseURL,
		token:      strings.TrimSpace(cfg.Token),
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

type filePayload struct {
	Content string `json:"content"`
}

type documentPayload struct {
	Files map[string]filePayload `json:"files"`
}

// Read fetches the current remote file content and version tag.
func (client *Client) Read(ctx context.Context, remoteID string, fileName string) (Content, error) {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, client.documentURL(remoteID), nil)
	if err != nil {
		return Content{}, err
	}
	client.decorate(request)

	response, err := client.httpClient.Do(request)
	if err != nil {
		return Content{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer response.Body.Close()

	if err := classifyStatus(response.StatusCode); err != nil {
		return Content{}, err
	}

	var decoded documentPayload
	if err := json.NewDecoder(response.Body).Decode(&decoded); err != nil {
		return Content{}, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	file, ok := decoded.Files[fileName]
	if !ok {
		return Content{}, fmt.Errorf("%w: %s", ErrFileMissing, fileName)
	}
	return Content{Text: file.Content, ETag: response.Header.Get(headerETag)}, nil
}

// Write replaces the remote file content. A non-empty etag is sent as an
// If-Match precondition; an empty etag forces an unconditional overwrite.
// The new version tag is returned on success.
func (client *Client) Write(ctx context.Context, remoteID string, fileName string, text string, etag string) (string, error) {
	body, err := json.Marshal(documentPayload{Files: map[string]filePayload{fileName: {Content: text}}})
	if err != nil {
		return "", err
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodPatch, client.documentURL(remoteID), bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	client.decorate(request)
	request.Header.Set("Content-Type", "application/json")
	if etag != "" {
		request.Header.Set(headerIfMatch, etag)
	}

	response, err := client.httpClient.Do(request)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer response.Body.Close()
	io.Copy(io.Discard, response.Body) //nolint:errcheck

	if err := classifyStatus(response.StatusCode); err != nil {
		client.logger.Debug("remote write rejected",
			zap.String("remote_id", remoteID),
			zap.Int("status", response.StatusCode))
		return "", err
	}
	return response.Header.Get(headerETag), nil
}

func (client *Client) documentURL(remoteID string) string {
	return client.baseURL + "/gists/" + remoteID
}

func (client *Client) decorate(request *http.Request) {
	request.Header.Set(headerAccept, acceptJSON)
	if client.token != "" {
		request.Header.Set(headerAuthorization, "Bearer "+client.token)
	}
}

func classifyStatus(status int) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusPreconditionFailed || status == http.StatusConflict:
		return ErrPreconditionFailed
	case status == http.StatusTooManyRequests:
		return ErrRateLimited
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ErrPermissionDenied
	case status == http.StatusNotFound:
		return ErrNotFound
	case status >= 500:
		return fmt.Errorf("%w: status %d", ErrUnavailable, status)
	default:
		return fmt.Errorf("%w: status %d", ErrMalformedResponse, status)
	}
}
