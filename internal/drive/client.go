package drive

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/h2non/filetype"
	"go.uber.org/zap"
)

const (
	DefaultBaseURL            = "https://www.googleapis.com/drive/v3"
	DefaultHighResolutionSize = 2048

	apiKeyHeader = "X-Goog-Api-Key"
	imageFields  = "id,name,webContentLink,thumbnailLink,size,mimeType"

	// Drive caps pageSize at 1000 for files.list
	listPageSize    = 1000
	maxPayloadBytes = 64 << 20
)

// AuthMode selects how the API key travels with each request.
type AuthMode string

const (
	AuthHeader AuthMode = "header"
	AuthQuery  AuthMode = "query"
)

// ImageRecord is one image file as reported by Drive.
type ImageRecord struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	ThumbnailLink  string `json:"thumbnailLink"`
	WebContentLink string `json:"webContentLink,omitempty"`
	Size           int64  `json:"size,string,omitempty"`
	MIMEType       string `json:"mimeType,omitempty"`
}

// ImageURL returns the direct view URL of the file.
func (r ImageRecord) ImageURL() string {
	return DirectContentURL(r.ID)
}

// FormattedSize returns the file size in human readable form.
func (r ImageRecord) FormattedSize() string {
	return FormatByteSize(r.Size)
}

func (r *ImageRecord) normalize() {
	if r.ThumbnailLink == "" && r.ID != "" {
		r.ThumbnailLink = ThumbnailURL(r.ID)
	}
}

// Payload is the body of a fetched image.
type Payload struct {
	Data     []byte
	MIMEType string
}

type Options struct {
	BaseURL            string
	APIKey             string
	AuthMode           AuthMode
	HighResolutionSize int
	HTTPClient         *http.Client
	Logger             *zap.Logger
}

// Client talks to the Drive v3 REST API. It keeps no cache state.
type Client struct {
	baseURL     string
	apiKey      string
	authMode    AuthMode
	highResSize int
	http        *http.Client
	logger      *zap.Logger
}

func NewClient(opts Options) *Client {
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	authMode := opts.AuthMode
	if authMode == "" {
		authMode = AuthHeader
	}
	highResSize := opts.HighResolutionSize
	if highResSize <= 0 {
		highResSize = DefaultHighResolutionSize
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = NewHTTPClient(30 * time.Second)
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Client{
		baseURL:     baseURL,
		apiKey:      opts.APIKey,
		authMode:    authMode,
		highResSize: highResSize,
		http:        httpClient,
		logger:      logger,
	}
}

// NewHTTPClient returns a client with pooled connections and an overall
// request deadline.
func NewHTTPClient(timeout time.Duration) *http.Client {
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   32,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		ForceAttemptHTTP2:     true,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}

	return &http.Client{
		Timeout:   timeout,
		Transport: transport,
	}
}

// ListImagesInFolder returns the image files whose parent is folderID,
// ordered by name.
func (c *Client) ListImagesInFolder(ctx context.Context, folderID string) ([]ImageRecord, error) {
	if folderID == "" {
		return nil, ErrInvalidFolder
	}
	if c.apiKey == "" {
		return nil, ErrMissingCredential
	}

	query := fmt.Sprintf("'%s' in parents and (mimeType contains 'image/')", escapeQueryValue(folderID))

	var images []ImageRecord
	pageToken := ""
	for {
		params := url.Values{}
		params.Set("q", query)
		params.Set("fields", "nextPageToken,files("+imageFields+")")
		params.Set("orderBy", "name")
		params.Set("pageSize", fmt.Sprintf("%d", listPageSize))
		if pageToken != "" {
			params.Set("pageToken", pageToken)
		}

		var page struct {
			NextPageToken string        `json:"nextPageToken"`
			Files         []ImageRecord `json:"files"`
		}
		if err := c.getJSON(ctx, c.baseURL+"/files", params, &page); err != nil {
			return nil, fmt.Errorf("list folder %s: %w", folderID, err)
		}

		for i := range page.Files {
			page.Files[i].normalize()
		}
		images = append(images, page.Files...)

		if page.NextPageToken == "" {
			break
		}
		pageToken = page.NextPageToken
	}

	c.logger.Debug("Listed folder images",
		zap.String("folder_id", folderID),
		zap.Int("images", len(images)),
	)

	return images, nil
}

// GetImageMetadata looks up a single file.
func (c *Client) GetImageMetadata(ctx context.Context, fileID string) (*ImageRecord, error) {
	if fileID == "" {
		return nil, ErrInvalidReference
	}
	if c.apiKey == "" {
		return nil, ErrMissingCredential
	}

	params := url.Values{}
	params.Set("fields", imageFields)

	var record ImageRecord
	if err := c.getJSON(ctx, c.baseURL+"/files/"+url.PathEscape(fileID), params, &record); err != nil {
		return nil, fmt.Errorf("get file %s: %w", fileID, err)
	}
	record.normalize()

	return &record, nil
}

// FetchThumbnailBytes downloads the thumbnail behind ref as-is.
func (c *Client) FetchThumbnailBytes(ctx context.Context, ref string) (*Payload, error) {
	if ref == "" {
		return nil, ErrInvalidReference
	}
	return c.fetch(ctx, ref)
}

// FetchHighResolutionBytes downloads the large rendition of ref.
func (c *Client) FetchHighResolutionBytes(ctx context.Context, ref string) (*Payload, error) {
	if ref == "" {
		return nil, ErrInvalidReference
	}
	return c.fetch(ctx, HighResolutionURL(ref, c.highResSize))
}

// CheckCredential probes the API with the configured key. A 400 or 403
// answer means the key was rejected; any other answer means it was accepted.
func (c *Client) CheckCredential(ctx context.Context) (bool, error) {
	if c.apiKey == "" {
		return false, ErrMissingCredential
	}

	req, err := c.newRequest(ctx, c.baseURL+"/files/test", nil)
	if err != nil {
		return false, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return false, fmt.Errorf("check credential: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusForbidden {
		return false, nil
	}
	return true, nil
}

func (c *Client) getJSON(ctx context.Context, endpoint string, params url.Values, out any) error {
	req, err := c.newRequest(ctx, endpoint, params)
	if err != nil {
		return err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, resp.Body)
		return newRemoteError(resp)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func (c *Client) fetch(ctx context.Context, target string) (*Payload, error) {
	req, err := c.newRequest(ctx, target, nil)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch image: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, resp.Body)
		return nil, newRemoteError(resp)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxPayloadBytes))
	if err != nil {
		return nil, fmt.Errorf("read image body: %w", err)
	}

	payload := &Payload{
		Data:     data,
		MIMEType: detectMIME(resp.Header.Get("Content-Type"), data),
	}

	c.logger.Debug("Fetched image",
		zap.String("host", req.URL.Host),
		zap.Int("bytes", len(data)),
		zap.String("mime_type", payload.MIMEType),
		zap.Int64("duration_ms", time.Since(start).Milliseconds()),
	)

	return payload, nil
}

// newRequest builds a GET request and attaches the credential when the
// target is the API itself. Content hosts are fetched anonymously.
func (c *Client) newRequest(ctx context.Context, target string, params url.Values) (*http.Request, error) {
	u, err := url.Parse(target)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidReference, err)
	}

	apiRequest := strings.HasPrefix(target, c.baseURL)
	keyInQuery := apiRequest && c.authMode == AuthQuery
	if params != nil || keyInQuery {
		q := u.Query()
		for k, vs := range params {
			for _, v := range vs {
				q.Add(k, v)
			}
		}
		if keyInQuery {
			q.Set("key", c.apiKey)
		}
		u.RawQuery = q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	if apiRequest && c.authMode == AuthHeader {
		req.Header.Set(apiKeyHeader, c.apiKey)
	}

	return req, nil
}

// detectMIME prefers the declared media type and sniffs the bytes when the
// server sends nothing useful.
func detectMIME(contentType string, data []byte) string {
	if contentType != "" {
		if mediaType, _, err := mime.ParseMediaType(contentType); err == nil && mediaType != "application/octet-stream" {
			return mediaType
		}
	}

	kind, err := filetype.Match(data)
	if err == nil && kind != filetype.Unknown {
		return kind.MIME.Value
	}

	return "application/octet-stream"
}

func escapeQueryValue(v string) string {
	v = strings.ReplaceAll(v, `\`, `\\`)
	return strings.ReplaceAll(v, `'`, `\'`)
}
