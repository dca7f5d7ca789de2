// Package icecast talks to the icecast admin interface.
package icecast

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/xpadev-net/ice-launcher/internal/log"
)

// UpstreamError reports a failed call against the icecast server.
type UpstreamError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *UpstreamError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("icecast %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("icecast %s: HTTP %d", e.Op, e.StatusCode)
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

// Credentials are HTTP basic auth credentials.
type Credentials struct {
	User     string
	Password string
}

// Client calls the icecast admin API.
type Client struct {
	baseURL    string
	admin      Credentials
	httpClient *http.Client
}

// NewClient creates a new admin client for the server at baseURL.
func NewClient(baseURL string, admin Credentials, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:    baseURL,
		admin:      admin,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// PushMetadata sets the current song title of mount.
func (c *Client) PushMetadata(ctx context.Context, mount, title string) error {
	params := url.Values{}
	params.Set("mode", "updinfo")
	params.Set("charset", "UTF-8")
	params.Set("song", title)
	params.Set("mount", "/"+mount)

	resp, err := c.get(ctx, "/admin/metadata?"+params.Encode())
	if err != nil {
		return &UpstreamError{Op: "metadata update", Err: err}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &UpstreamError{Op: "metadata update", StatusCode: resp.StatusCode}
	}

	log.Debug("metadata pushed",
		zap.String("mount", mount),
		zap.String("title", title),
	)
	return nil
}

// ServerStatus is the parsed /admin/stats document.
type ServerStatus struct {
	// Listeners is the server wide listener count.
	Listeners int `json:"listeners"`
	// Info holds the remaining top-level statistics.
	Info map[string]string `json:"info"`
	// Sources maps mount paths to their statistics.
	Sources map[string]map[string]string `json:"source"`
}

type xmlNode struct {
	XMLName  xml.Name
	Attrs    []xml.Attr `xml:",any,attr"`
	Content  string     `xml:",chardata"`
	Children []xmlNode  `xml:",any"`
}

func (n xmlNode) attr(name string) string {
	for _, a := range n.Attrs {
		if a.Name.Local == name {
			return a.Value
		}
	}
	return ""
}

// Stats fetches the server statistics from /admin/stats.
func (c *Client) Stats(ctx context.Context) (*ServerStatus, error) {
	resp, err := c.get(ctx, "/admin/stats")
	if err != nil {
		return nil, &UpstreamError{Op: "stats", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, &UpstreamError{Op: "stats", StatusCode: resp.StatusCode}
	}

	status, err := ParseStats(resp.Body)
	if err != nil {
		return nil, &UpstreamError{Op: "stats", Err: err}
	}
	return status, nil
}

// ParseStats decodes an icestats XML document.
func ParseStats(r io.Reader) (*ServerStatus, error) {
	var root xmlNode
	if err := xml.NewDecoder(r).Decode(&root); err != nil {
		return nil, fmt.Errorf("decode stats: %w", err)
	}

	status := &ServerStatus{
		Info:    make(map[string]string),
		Sources: make(map[string]map[string]string),
	}
	for _, child := range root.Children {
		if child.XMLName.Local != "source" {
			status.Info[child.XMLName.Local] = child.Content
			continue
		}
		mount := child.attr("mount")
		if mount == "" {
			continue
		}
		info := make(map[string]string, len(child.Children))
		for _, field := range child.Children {
			info[field.XMLName.Local] = field.Content
		}
		status.Sources[mount] = info
	}
	if v, ok := status.Info["listeners"]; ok {
		status.Listeners, _ = strconv.Atoi(v)
	}
	return status, nil
}

func (c *Client) get(ctx context.Context, path string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.SetBasicAuth(c.admin.User, c.admin.Password)
	req.Header.Set("User-Agent", "ice-launcher")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	return resp, nil
}
