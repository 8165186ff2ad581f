// ABOUTME: WhatsApp Cloud (Graph) API client: send messages, upload and fetch media
// ABOUTME: Every call carries its own timeout; failures wrap ErrUpstream

package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"
)

// ErrUpstream marks failures of the provider API, including timeouts.
var ErrUpstream = errors.New("provider request failed")

// ErrMediaTooLarge is returned when a download exceeds the configured limit.
var ErrMediaTooLarge = errors.New("media exceeds size limit")

// APIError is a non-2xx response from the Graph API.
type APIError struct {
	Status  int
	Code    int
	Type    string
	Message string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("graph api %d (code %d): %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("graph api returned status %d", e.Status)
}

// Unwrap lets callers match errors.Is(err, ErrUpstream).
func (e *APIError) Unwrap() error { return ErrUpstream }

// Config holds the provider connection settings.
type Config struct {
	BaseURL       string
	APIVersion    string
	PhoneNumberID string
	AccessToken   string
	Timeout       time.Duration
	MaxMediaBytes int64
}

// Client talks to the WhatsApp Cloud API.
type Client struct {
	cfg     Config
	http    *http.Client
	logger  *slog.Logger
	observe func(op string, err error, elapsed time.Duration)
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithObserver registers a callback invoked after every API call (metrics hook).
func WithObserver(fn func(op string, err error, elapsed time.Duration)) Option {
	return func(c *Client) { c.observe = fn }
}

// NewClient creates a new provider client.
func NewClient(cfg Config, logger *slog.Logger, opts ...Option) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://graph.facebook.com"
	}
	if cfg.APIVersion == "" {
		cfg.APIVersion = "v20.0"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.MaxMediaBytes <= 0 {
		cfg.MaxMediaBytes = 16 << 20
	}
	cfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")

	c := &Client{
		cfg:    cfg,
		http:   &http.Client{},
		logger: logger.With("component", "provider"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) endpoint(path string) string {
	return c.cfg.BaseURL + "/" + c.cfg.APIVersion + "/" + strings.TrimPrefix(path, "/")
}

// sendResponse is the Graph API reply to POST /{phone-number-id}/messages.
type sendResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
}

// Send delivers a payload to the recipient and returns the provider message id.
func (c *Client) Send(ctx context.Context, to string, p Payload) (string, error) {
	start := time.Now()
	id, err := c.send(ctx, to, p)
	c.finish("send", err, start)
	return id, err
}

func (c *Client) send(ctx context.Context, to string, p Payload) (string, error) {
	body, err := json.Marshal(buildMessage(to, p))
	if err != nil {
		return "", fmt.Errorf("marshaling payload: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.endpoint(c.cfg.PhoneNumberID+"/messages"), bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	var out sendResponse
	if err := c.do(req, &out); err != nil {
		return "", err
	}
	if len(out.Messages) == 0 {
		return "", nil
	}
	return out.Messages[0].ID, nil
}

// UploadMedia uploads a binary to the media endpoint and returns the issued media id.
func (c *Client) UploadMedia(ctx context.Context, data []byte, mimeType, filename string) (string, error) {
	start := time.Now()
	id, err := c.upload(ctx, data, mimeType, filename)
	c.finish("upload", err, start)
	return id, err
}

func (c *Client) upload(ctx context.Context, data []byte, mimeType, filename string) (string, error) {
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	if filename == "" {
		filename = "media"
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	if err := w.WriteField("messaging_product", "whatsapp"); err != nil {
		return "", fmt.Errorf("writing form: %w", err)
	}
	if err := w.WriteField("type", mimeType); err != nil {
		return "", fmt.Errorf("writing form: %w", err)
	}
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, filename))
	h.Set("Content-Type", mimeType)
	part, err := w.CreatePart(h)
	if err != nil {
		return "", fmt.Errorf("creating file part: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return "", fmt.Errorf("writing file part: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("closing form: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.endpoint(c.cfg.PhoneNumberID+"/media"), &buf)
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	var out struct {
		ID string `json:"id"`
	}
	if err := c.do(req, &out); err != nil {
		return "", err
	}
	if out.ID == "" {
		return "", fmt.Errorf("%w: upload returned no media id", ErrUpstream)
	}
	return out.ID, nil
}

// MediaInfo describes a media object held by the provider.
type MediaInfo struct {
	ID       string `json:"id"`
	URL      string `json:"url"`
	MimeType string `json:"mime_type"`
	FileSize int64  `json:"file_size"`
}

// GetMediaInfo resolves a media id to its short-lived download URL.
func (c *Client) GetMediaInfo(ctx context.Context, mediaID string) (*MediaInfo, error) {
	start := time.Now()
	info, err := c.mediaInfo(ctx, mediaID)
	c.finish("media_info", err, start)
	return info, err
}

func (c *Client) mediaInfo(ctx context.Context, mediaID string) (*MediaInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint(mediaID), nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	var info MediaInfo
	if err := c.do(req, &info); err != nil {
		return nil, err
	}
	if info.URL == "" {
		return nil, fmt.Errorf("%w: media %s has no url", ErrUpstream, mediaID)
	}
	return &info, nil
}

// Download fetches a media URL with the bearer token, bounded by MaxMediaBytes.
func (c *Client) Download(ctx context.Context, url string) ([]byte, string, error) {
	start := time.Now()
	data, mimeType, err := c.download(ctx, url)
	c.finish("download", err, start)
	return data, mimeType, err
}

func (c *Client) download(ctx context.Context, url string) ([]byte, string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	resp, err := c.get(ctx, url)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, c.cfg.MaxMediaBytes+1))
	if err != nil {
		return nil, "", fmt.Errorf("%w: reading media: %w", ErrUpstream, err)
	}
	if int64(len(data)) > c.cfg.MaxMediaBytes {
		return nil, "", ErrMediaTooLarge
	}
	return data, resp.Header.Get("Content-Type"), nil
}

// FetchMedia returns the binary behind a handle. A handle is either a media id,
// resolved through GetMediaInfo, or a direct https URL.
func (c *Client) FetchMedia(ctx context.Context, handle string) ([]byte, string, error) {
	if strings.HasPrefix(handle, "https://") || strings.HasPrefix(handle, "http://") {
		return c.Download(ctx, handle)
	}
	info, err := c.GetMediaInfo(ctx, handle)
	if err != nil {
		return nil, "", err
	}
	data, mimeType, err := c.Download(ctx, info.URL)
	if err != nil {
		return nil, "", err
	}
	if info.MimeType != "" {
		mimeType = info.MimeType
	}
	return data, mimeType, nil
}

// Stream opens a media URL for proxying. The caller must close the body; closing it
// also releases the request timeout.
func (c *Client) Stream(ctx context.Context, url string) (io.ReadCloser, string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	resp, err := c.get(ctx, url)
	if err != nil {
		cancel()
		return nil, "", err
	}
	body := io.LimitReader(resp.Body, c.cfg.MaxMediaBytes)
	return &cancelReadCloser{Reader: body, closer: resp.Body, cancel: cancel}, resp.Header.Get("Content-Type"), nil
}

type cancelReadCloser struct {
	io.Reader
	closer io.Closer
	cancel context.CancelFunc
}

func (r *cancelReadCloser) Close() error {
	defer r.cancel()
	return r.closer.Close()
}

func (c *Client) get(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.AccessToken)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUpstream, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		return nil, decodeAPIError(resp)
	}
	return resp, nil
}

// do sends an authorized request and decodes a JSON response into out.
func (c *Client) do(req *http.Request, out any) error {
	req.Header.Set("Authorization", "Bearer "+c.cfg.AccessToken)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUpstream, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeAPIError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decoding response: %w", ErrUpstream, err)
	}
	return nil
}

func decodeAPIError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	apiErr := &APIError{Status: resp.StatusCode}

	var wrapped struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
			Code    int    `json:"code"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &wrapped) == nil && wrapped.Error.Message != "" {
		apiErr.Message = wrapped.Error.Message
		apiErr.Type = wrapped.Error.Type
		apiErr.Code = wrapped.Error.Code
	} else if len(body) > 0 {
		apiErr.Message = strings.TrimSpace(string(body))
	}
	return apiErr
}

func (c *Client) finish(op string, err error, start time.Time) {
	elapsed := time.Since(start)
	if c.observe != nil {
		c.observe(op, err, elapsed)
	}
	if err != nil {
		c.logger.Debug("provider call failed", "op", op, "error", err, "elapsed", elapsed)
	}
}
