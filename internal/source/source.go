// Package source opens the byte streams input steps read from: local files
// and http(s) URLs.
package source

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
)

// Source is something an input step can read bytes from.
type Source interface {
	Open(ctx context.Context) (io.ReadCloser, error)
}

// For returns the source for location: an HTTP source for http:// and
// https:// URLs, a local file otherwise. cfg configures HTTP sources only.
func For(location string, cfg Config) Source {
	l := strings.ToLower(location)
	if strings.HasPrefix(l, "http://") || strings.HasPrefix(l, "https://") {
		return &HTTP{url: location, client: NewClient(cfg)}
	}
	return NewLocal(location)
}

// Local is a file on the local disk.
type Local struct{ path string }

func NewLocal(path string) *Local { return &Local{path: path} }

// Open opens the file and hints the kernel that it will be read sequentially.
// A canceled context fails without touching the filesystem.
func (l *Local) Open(ctx context.Context) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := os.Open(l.path)
	if err != nil {
		return nil, fmt.Errorf("source: open %s: %w", l.path, err)
	}
	adviseSequential(f)
	return f, nil
}

// HTTP is a resource fetched with GET.
type HTTP struct {
	url    string
	client *Client
}

// Open issues the request and returns the response body. Non-2xx statuses
// are errors.
func (h *HTTP) Open(ctx context.Context) (io.ReadCloser, error) {
	resp, err := h.client.Get(ctx, h.url, nil)
	if err != nil {
		return nil, fmt.Errorf("source: get %s: %w", h.url, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("source: get %s: status %d", h.url, resp.StatusCode)
	}
	return resp.Body, nil
}

const utf8BOM = "\uFEFF"

// StripHeaderBOM removes a UTF-8 byte order mark from the first header cell.
func StripHeaderBOM(headers []string) []string {
	if len(headers) > 0 {
		headers[0] = strings.TrimPrefix(headers[0], utf8BOM)
	}
	return headers
}
