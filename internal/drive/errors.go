package drive

import (
	"fmt"
	"net/http"

	platformerrors "github.com/jmgilman/go/errors"
)

var (
	// ErrInvalidReference is returned for an empty or malformed file identifier.
	ErrInvalidReference = platformerrors.New(platformerrors.CodeInvalidInput, "invalid drive file reference")

	// ErrInvalidFolder is returned when a folder identifier is missing.
	ErrInvalidFolder = platformerrors.New(platformerrors.CodeInvalidInput, "invalid drive folder reference")

	// ErrMissingCredential is returned when no API key is configured.
	ErrMissingCredential = platformerrors.New(platformerrors.CodeUnauthorized, "drive api key is required")
)

// RemoteError describes a non-success response from a Drive endpoint.
type RemoteError struct {
	StatusCode int
	Status     string
	URL        string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("drive api error: %d %s (%s)", e.StatusCode, e.Status, e.URL)
}

// newRemoteError classifies resp by status so callers can decide whether a
// retry makes sense.
func newRemoteError(resp *http.Response) error {
	target := ""
	if resp.Request != nil && resp.Request.URL != nil {
		// query strings may carry the api key
		target = resp.Request.URL.Scheme + "://" + resp.Request.URL.Host + resp.Request.URL.Path
	}

	remote := &RemoteError{
		StatusCode: resp.StatusCode,
		Status:     http.StatusText(resp.StatusCode),
		URL:        target,
	}

	return platformerrors.Wrap(remote, statusCode(resp.StatusCode), "drive request failed")
}

func statusCode(status int) platformerrors.ErrorCode {
	switch {
	case status == http.StatusNotFound:
		return platformerrors.CodeNotFound
	case status == http.StatusUnauthorized:
		return platformerrors.CodeUnauthorized
	case status == http.StatusForbidden:
		return platformerrors.CodeForbidden
	case status == http.StatusTooManyRequests:
		return platformerrors.CodeRateLimit
	case status >= 500:
		return platformerrors.CodeUnavailable
	default:
		return platformerrors.CodeNetwork
	}
}
