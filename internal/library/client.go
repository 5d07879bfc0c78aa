// Package library resolves library items on the media server into
// downloadable file lists.
package library

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/shelfcache-project/shelfcache/internal/download"
	"github.com/shelfcache-project/shelfcache/internal/logger"
)

var (
	ErrNotConfigured = errors.New("media server not configured")
	ErrItemNotFound  = errors.New("library item not found")
	ErrUnauthorized  = errors.New("media server rejected the token")
	ErrNoFiles       = errors.New("library item has no downloadable files")
)

// APIError is an unexpected response from the media server
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("media server returned %d: %s", e.StatusCode, e.Body)
}

// Config contains configuration for the library client
type Config struct {
	ServerURL        string
	Token            string
	Timeout          time.Duration
	ProbeConcurrency int
	UserAgent        string
}

// Client talks to the media server REST API
type Client struct {
	config Config
	base   *url.URL
	http   *http.Client
}

// Item is a resolved library item
type Item struct {
	ID     string              `json:"id"`
	Title  string              `json:"title"`
	Author string              `json:"author,omitempty"`
	Files  []download.FileSpec `json:"files"`
}

// NewClient creates a client for the configured media server
func NewClient(config Config) (*Client, error) {
	if strings.TrimSpace(config.ServerURL) == "" {
		return nil, ErrNotConfigured
	}
	base, err := url.Parse(strings.TrimRight(config.ServerURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid media server url %q", config.ServerURL)
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	if config.ProbeConcurrency <= 0 {
		config.ProbeConcurrency = 4
	}
	if config.UserAgent == "" {
		config.UserAgent = "ShelfCache Download Manager"
	}

	return &Client{
		config: config,
		base:   base,
		http:   &http.Client{Timeout: config.Timeout},
	}, nil
}

type fileMetadata struct {
	Filename string `json:"filename"`
	Size     int64  `json:"size"`
}

type audioFile struct {
	Index    int          `json:"index"`
	Ino      string       `json:"ino"`
	Metadata fileMetadata `json:"metadata"`
}

type ebookFile struct {
	Ino      string       `json:"ino"`
	Metadata fileMetadata `json:"metadata"`
}

type itemResponse struct {
	ID    string `json:"id"`
	Media struct {
		Metadata struct {
			Title      string `json:"title"`
			AuthorName string `json:"authorName"`
		} `json:"metadata"`
		AudioFiles []audioFile `json:"audioFiles"`
		EbookFile  *ebookFile  `json:"ebookFile"`
	} `json:"media"`
}

func (c *Client) endpoint(elem ...string) string {
	u := *c.base
	u.Path = "/" + path.Join(append([]string{c.base.Path}, elem...)...)
	u.Path = path.Clean(u.Path)
	u.RawPath = ""
	u.RawQuery = ""
	return u.String()
}

// FileURL returns the download URL of one file of an item
func (c *Client) FileURL(itemID, ino string) string {
	return c.endpoint("api", "items", itemID, "file", ino, "download")
}

func (c *Client) newRequest(ctx context.Context, method, rawURL string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, rawURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", c.config.UserAgent)
	req.Header.Set("Accept", "application/json")
	if c.config.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.Token)
	}
	return req, nil
}

// Resolve fetches an item and returns its files in playback order,
// audio files by index followed by the ebook file.
func (c *Client) Resolve(ctx context.Context, itemID string) (*Item, error) {
	itemID = strings.TrimSpace(itemID)
	if itemID == "" {
		return nil, fmt.Errorf("%w: empty item id", download.ErrInvalidRequest)
	}

	req, err := c.newRequest(ctx, http.MethodGet, c.endpoint("api", "items", itemID)+"?expanded=1")
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to reach media server: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s", ErrItemNotFound, itemID)
	case http.StatusUnauthorized, http.StatusForbidden:
		return nil, ErrUnauthorized
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	var payload itemResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("failed to decode library item: %w", err)
	}

	item := &Item{
		ID:     itemID,
		Title:  payload.Media.Metadata.Title,
		Author: payload.Media.Metadata.AuthorName,
	}

	audio := append([]audioFile(nil), payload.Media.AudioFiles...)
	sort.SliceStable(audio, func(i, j int) bool { return audio[i].Index < audio[j].Index })

	for _, f := range audio {
		item.Files = append(item.Files, download.FileSpec{
			Name: fileName(f.Metadata.Filename, f.Ino, f.Index),
			URL:  c.FileURL(itemID, f.Ino),
			Size: f.Metadata.Size,
		})
	}
	if eb := payload.Media.EbookFile; eb != nil && eb.Ino != "" {
		item.Files = append(item.Files, download.FileSpec{
			Name: fileName(eb.Metadata.Filename, eb.Ino, len(audio)+1),
			URL:  c.FileURL(itemID, eb.Ino),
			Size: eb.Metadata.Size,
		})
	}

	if len(item.Files) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoFiles, itemID)
	}

	logger.Debugf("解析媒体项 %s: %d 个文件", itemID, len(item.Files))
	return item, nil
}

func fileName(name, ino string, index int) string {
	if name = strings.TrimSpace(name); name != "" {
		return name
	}
	if ino != "" {
		return "file-" + ino
	}
	return "file-" + strconv.Itoa(index)
}

// ProbeSizes fills in unknown sizes with concurrent HEAD requests.
// Files the server does not size stay at 0.
func (c *Client) ProbeSizes(ctx context.Context, files []download.FileSpec) []download.FileSpec {
	out := append([]download.FileSpec(nil), files...)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.config.ProbeConcurrency)

	for i := range out {
		if out[i].Size > 0 {
			continue
		}
		i := i
		g.Go(func() error {
			size, err := c.headSize(gctx, out[i].URL)
			if err != nil {
				logger.WithError(err).Debugf("获取文件大小失败: %s", out[i].Name)
				return nil
			}
			out[i].Size = size
			return nil
		})
	}
	g.Wait()

	return out
}

func (c *Client) headSize(ctx context.Context, rawURL string) (int64, error) {
	req, err := c.newRequest(ctx, http.MethodHead, rawURL)
	if err != nil {
		return 0, err
	}
	req.Header.Del("Accept")

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, &APIError{StatusCode: resp.StatusCode}
	}
	if resp.ContentLength < 0 {
		return 0, nil
	}
	return resp.ContentLength, nil
}

// Ping checks that the server is reachable and the token accepted
func (c *Client) Ping(ctx context.Context) error {
	req, err := c.newRequest(ctx, http.MethodGet, c.endpoint("api", "me"))
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach media server: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return nil
	case http.StatusUnauthorized, http.StatusForbidden:
		return ErrUnauthorized
	default:
		return &APIError{StatusCode: resp.StatusCode}
	}
}
