package exchange

import (
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	apperrors "github.com/PerterPon/open-back/internal/errors"
)

// maxErrorBody bounds how much of an error response is kept for messages.
const maxErrorBody = 512

// classifyingTransport turns throttling and server-side HTTP responses into
// classified errors before an SDK gets to parse them. Client errors other
// than throttling pass through so the SDK can decode the exchange's error
// payload.
type classifyingTransport struct {
	base http.RoundTripper
}

func newClassifyingTransport(base http.RoundTripper) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	return &classifyingTransport{base: base}
}

// RoundTrip implements http.RoundTripper.
func (t *classifyingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.base.RoundTrip(req)
	if err != nil {
		return nil, err
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode == http.StatusTeapot,
		resp.StatusCode == http.StatusRequestTimeout,
		resp.StatusCode >= http.StatusInternalServerError:
		body := readErrorBody(resp)
		retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"))
		return nil, apperrors.FromHTTPStatus(req.URL.Path, resp.StatusCode, retryAfter,
			fmt.Errorf("%s: %s", http.StatusText(resp.StatusCode), body))
	default:
		return resp, nil
	}
}

func readErrorBody(resp *http.Response) string {
	defer resp.Body.Close()
	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return string(data)
}

// parseRetryAfter reads a Retry-After header given either in seconds or as
// an HTTP date.
func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}

	if seconds, err := strconv.Atoi(header); err == nil {
		return time.Duration(seconds) * time.Second
	}

	if t, err := http.ParseTime(header); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}

	return 0
}
