package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// PartialSuffix marks a file that is still being transferred
const PartialSuffix = ".downloading"

// FetchRequest describes one file transfer
type FetchRequest struct {
	URL         string
	Destination string
	StartOffset int64
	OnBytes     func(bytesSoFar int64) // cumulative bytes of this file, offset included
	OnSize      func(totalBytes int64) // called once the server reports the file size
}

// FetchResult is the outcome of a finished transfer
type FetchResult struct {
	Size int64
}

// Transport moves bytes for the download manager.
// FetchFile must resume from StartOffset and stop when ctx is cancelled.
type Transport interface {
	FetchFile(ctx context.Context, req FetchRequest) (FetchResult, error)
	Discard(destination string) error
}

// TransportConfig contains configuration for the HTTP transport
type TransportConfig struct {
	Timeout        time.Duration // Response header timeout
	ChunkSize      int           // Read buffer size
	RateLimit      int64         // Bytes per second, 0 = unlimited
	UserAgent      string
	Token          string        // Bearer token sent to the media server
	ReportInterval time.Duration // Minimum spacing of OnBytes calls
}

// HTTPTransport fetches files with HTTP range requests
type HTTPTransport struct {
	config  TransportConfig
	client  *http.Client
	limiter *rate.Limiter
}

// NewHTTPTransport creates a new HTTP transport
func NewHTTPTransport(config TransportConfig) *HTTPTransport {
	if config.Timeout == 0 {
		config.Timeout = 60 * time.Second
	}
	if config.ChunkSize <= 0 {
		config.ChunkSize = 32 * 1024
	}
	if config.UserAgent == "" {
		config.UserAgent = "ShelfCache Download Manager"
	}

	base := http.DefaultTransport.(*http.Transport).Clone()
	base.ResponseHeaderTimeout = config.Timeout

	t := &HTTPTransport{
		config: config,
		client: &http.Client{Transport: base},
	}
	if config.RateLimit > 0 {
		t.limiter = rate.NewLimiter(rate.Limit(config.RateLimit), config.ChunkSize)
	}
	return t
}

// FetchFile downloads req.URL into req.Destination, appending to the partial file from StartOffset
func (t *HTTPTransport) FetchFile(ctx context.Context, req FetchRequest) (FetchResult, error) {
	if err := os.MkdirAll(filepath.Dir(req.Destination), 0755); err != nil {
		return FetchResult{}, &TransportError{URL: req.URL, Err: fmt.Errorf("failed to create directory: %w", err)}
	}

	partial := req.Destination + PartialSuffix
	offset := confirmedOffset(partial, req.StartOffset)
	if offset != req.StartOffset && req.OnBytes != nil {
		req.OnBytes(offset)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.URL, nil)
	if err != nil {
		return FetchResult{}, &TransportError{URL: req.URL, Err: err}
	}
	httpReq.Header.Set("User-Agent", t.config.UserAgent)
	if t.config.Token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+t.config.Token)
	}
	if offset > 0 {
		httpReq.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}

	resp, err := t.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return FetchResult{Size: offset}, ctx.Err()
		}
		return FetchResult{}, &TransportError{URL: req.URL, Err: err}
	}
	defer resp.Body.Close()

	var total int64
	switch {
	case resp.StatusCode == http.StatusPartialContent:
		start, size := parseContentRange(resp.Header.Get("Content-Range"))
		if start != offset {
			return FetchResult{}, &TransportError{URL: req.URL, StatusCode: resp.StatusCode,
				Err: fmt.Errorf("server resumed at %d, expected %d", start, offset)}
		}
		total = size
	case resp.StatusCode == http.StatusOK:
		// range not honoured, the body is the whole file
		offset = 0
		if req.OnBytes != nil && req.StartOffset > 0 {
			req.OnBytes(0)
		}
		if resp.ContentLength > 0 {
			total = resp.ContentLength
		}
	case resp.StatusCode == http.StatusRequestedRangeNotSatisfiable && offset > 0:
		_, size := parseContentRange(resp.Header.Get("Content-Range"))
		if size > 0 && size != offset {
			return FetchResult{}, &TransportError{URL: req.URL, StatusCode: resp.StatusCode,
				Err: fmt.Errorf("partial file holds %d bytes, server reports %d", offset, size)}
		}
		// the partial file already holds the whole body
		if req.OnSize != nil {
			req.OnSize(offset)
		}
		return t.finalize(req, partial, offset)
	default:
		return FetchResult{}, &TransportError{URL: req.URL, StatusCode: resp.StatusCode,
			Err: fmt.Errorf("unexpected status code: %d", resp.StatusCode)}
	}

	if total > 0 && req.OnSize != nil {
		req.OnSize(total)
	}

	file, err := openPartial(partial, offset)
	if err != nil {
		return FetchResult{}, &TransportError{URL: req.URL, Err: err}
	}

	written, copyErr := t.copyBody(ctx, file, resp.Body, offset, req.OnBytes)
	closeErr := file.Close()
	if copyErr != nil {
		if ctx.Err() != nil {
			return FetchResult{Size: offset + written}, ctx.Err()
		}
		return FetchResult{Size: offset + written}, &TransportError{URL: req.URL, Err: copyErr}
	}
	if closeErr != nil {
		return FetchResult{}, &TransportError{URL: req.URL, Err: closeErr}
	}

	size := offset + written
	if total > 0 && size != total {
		return FetchResult{Size: size}, &TransportError{URL: req.URL,
			Err: fmt.Errorf("size mismatch: expected %d, got %d", total, size)}
	}

	return t.finalize(req, partial, size)
}

// Discard removes the partial file of destination
func (t *HTTPTransport) Discard(destination string) error {
	err := os.Remove(destination + PartialSuffix)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func (t *HTTPTransport) finalize(req FetchRequest, partial string, size int64) (FetchResult, error) {
	if err := os.Rename(partial, req.Destination); err != nil {
		return FetchResult{}, &TransportError{URL: req.URL, Err: fmt.Errorf("failed to rename file: %w", err)}
	}
	return FetchResult{Size: size}, nil
}

// copyBody streams src into dst, reporting cumulative bytes at most every ReportInterval
func (t *HTTPTransport) copyBody(ctx context.Context, dst io.Writer, src io.Reader, offset int64, onBytes func(int64)) (int64, error) {
	buf := make([]byte, t.config.ChunkSize)
	var written int64
	lastReport := time.Now()

	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}

		n, readErr := src.Read(buf)
		if n > 0 {
			if t.limiter != nil {
				if err := t.limiter.WaitN(ctx, n); err != nil {
					return written, err
				}
			}
			if _, err := dst.Write(buf[:n]); err != nil {
				return written, err
			}
			written += int64(n)

			if onBytes != nil && time.Since(lastReport) >= t.config.ReportInterval {
				onBytes(offset + written)
				lastReport = time.Now()
			}
		}

		if readErr != nil {
			if readErr == io.EOF {
				break
			}
			return written, readErr
		}
	}

	if onBytes != nil {
		onBytes(offset + written)
	}
	return written, nil
}

// confirmedOffset clamps the requested offset to what the partial file actually holds
func confirmedOffset(partial string, requested int64) int64 {
	if requested <= 0 {
		return 0
	}
	info, err := os.Stat(partial)
	if err != nil {
		return 0
	}
	if info.Size() < requested {
		return info.Size()
	}
	return requested
}

func openPartial(path string, offset int64) (*os.File, error) {
	if offset == 0 {
		return os.Create(path)
	}

	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE, 0644)
	if err != nil {
		return nil, err
	}
	// drop bytes written after the last confirmed offset
	if err := file.Truncate(offset); err != nil {
		file.Close()
		return nil, err
	}
	if _, err := file.Seek(offset, io.SeekStart); err != nil {
		file.Close()
		return nil, err
	}
	return file, nil
}

// parseContentRange parses "bytes 100-199/1000" or "bytes */1000".
// Unknown parts are returned as 0.
func parseContentRange(header string) (start, total int64) {
	header = strings.TrimSpace(header)
	if !strings.HasPrefix(header, "bytes ") {
		return 0, 0
	}
	spec := strings.TrimPrefix(header, "bytes ")

	rangePart, totalPart, found := strings.Cut(spec, "/")
	if !found {
		return 0, 0
	}
	if totalPart != "*" {
		total, _ = strconv.ParseInt(totalPart, 10, 64)
	}
	if rangePart != "*" {
		if first, _, ok := strings.Cut(rangePart, "-"); ok {
			start, _ = strconv.ParseInt(first, 10, 64)
		}
	}
	return start, total
}

// extractFileNameFromURL extracts filename from URL
func extractFileNameFromURL(rawURL string) string {
	parts := strings.Split(rawURL, "/")
	filename := parts[len(parts)-1]

	// Remove query parameters
	if idx := strings.Index(filename, "?"); idx >= 0 {
		filename = filename[:idx]
	}

	return filename
}
