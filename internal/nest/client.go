// Package nest is a client for the Nest web API used by home.nest.com. It
// discovers structures and thermostats, re-fetches them in bulk, and writes
// changes back through the transport service.
package nest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	defaultBaseURL   = "https://home.nest.com"
	defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0 Safari/537.36"
	defaultTimeout   = 30 * time.Second
)

// Options configures a Client. Zero values fall back to the home.nest.com defaults.
type Options struct {
	BaseURL        string
	UserAgent      string
	RequestTimeout time.Duration
	HTTPClient     *http.Client
}

// Client talks to the Nest web API.
type Client struct {
	baseURL    string
	userAgent  string
	httpClient *http.Client
	sessions   SessionSource
	logger     *zap.Logger

	mu           sync.RWMutex
	transportURL string
	objects      Objects
}

// NewClient builds a Client that authenticates through sessions.
func NewClient(sessions SessionSource, opts Options, logger *zap.Logger) *Client {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	userAgent := opts.UserAgent
	if userAgent == "" {
		userAgent = defaultUserAgent
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.RequestTimeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	return &Client{
		baseURL:    baseURL,
		userAgent:  userAgent,
		httpClient: httpClient,
		sessions:   sessions,
		logger:     logger.Named("nest"),
	}
}

type appLaunchRequest struct {
	KnownBucketTypes    []string `json:"known_bucket_types"`
	KnownBucketVersions []string `json:"known_bucket_versions"`
}

type appLaunchResponse struct {
	UpdatedBuckets []Bucket `json:"updated_buckets"`
	ServiceURLs    struct {
		URLs struct {
			TransportURL string `json:"transport_url"`
		} `json:"urls"`
	} `json:"service_urls"`
}

// Initialize discovers every known object and remembers the transport URL
// used for writes.
func (c *Client) Initialize(ctx context.Context) (Objects, error) {
	resp, err := c.appLaunch(ctx)
	if err != nil {
		return nil, err
	}
	if resp.ServiceURLs.URLs.TransportURL == "" {
		return nil, &ConnectionError{Op: "app_launch", URL: c.baseURL, Err: fmt.Errorf("no transport url in response")}
	}

	objects, err := ParseObjects(c, resp.UpdatedBuckets)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.transportURL = strings.TrimRight(resp.ServiceURLs.URLs.TransportURL, "/")
	c.objects = objects
	c.mu.Unlock()

	c.logger.Info("Discovered Nest objects", zap.Int("count", len(objects)))
	return objects, nil
}

// RefreshKnownObjects re-fetches every known bucket and replaces the cached
// object graph.
func (c *Client) RefreshKnownObjects(ctx context.Context) error {
	c.mu.RLock()
	initialized := c.transportURL != ""
	c.mu.RUnlock()
	if !initialized {
		return ErrNotInitialized
	}

	resp, err := c.appLaunch(ctx)
	if err != nil {
		return err
	}
	objects, err := ParseObjects(c, resp.UpdatedBuckets)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.objects = objects
	if url := resp.ServiceURLs.URLs.TransportURL; url != "" {
		c.transportURL = strings.TrimRight(url, "/")
	}
	c.mu.Unlock()

	c.logger.Debug("Refreshed Nest objects", zap.Int("count", len(objects)))
	return nil
}

// Objects returns the current object graph. The map is never modified after
// it is published; treat it as read-only.
func (c *Client) Objects() Objects {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.objects
}

// Close releases idle connections.
func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

type putObject struct {
	ObjectKey string         `json:"object_key"`
	Op        string         `json:"op"`
	Value     map[string]any `json:"value"`
}

type putRequest struct {
	Objects []putObject `json:"objects"`
}

// Put merges value into the object stored under objectKey.
func (c *Client) Put(ctx context.Context, objectKey string, value map[string]any) error {
	c.mu.RLock()
	transportURL := c.transportURL
	c.mu.RUnlock()
	if transportURL == "" {
		return &CommandError{ObjectKey: objectKey, Err: ErrNotInitialized}
	}

	c.logger.Debug("Updating Nest object", zap.String("object_key", objectKey), zap.Any("value", value))

	payload := putRequest{Objects: []putObject{{ObjectKey: objectKey, Op: "MERGE", Value: value}}}
	if err := c.postJSON(ctx, "put", transportURL+"/v5/put", payload, nil); err != nil {
		return &CommandError{ObjectKey: objectKey, Err: err}
	}
	return nil
}

func (c *Client) appLaunch(ctx context.Context) (*appLaunchResponse, error) {
	session, err := c.sessions.Session(ctx)
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/api/0.1/user/%s/app_launch", c.baseURL, session.UserID)
	req := appLaunchRequest{KnownBucketTypes: KnownBucketTypes, KnownBucketVersions: []string{}}

	var resp appLaunchResponse
	if err := c.postJSON(ctx, "app_launch", url, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) postJSON(ctx context.Context, op, url string, in, out any) error {
	session, err := c.sessions.Session(ctx)
	if err != nil {
		return err
	}

	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("failed to encode %s request: %w", op, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build %s request: %w", op, err)
	}
	req.Header.Set("Authorization", "Basic "+session.Token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("X-nl-user-id", session.UserID)
	req.Header.Set("X-nl-protocol-version", "1")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &ConnectionError{Op: op, URL: url, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if resp.StatusCode == http.StatusUnauthorized {
			c.sessions.Invalidate()
		}
		return &ConnectionError{Op: op, URL: url, Err: HTTPStatusError{Status: resp.StatusCode, Body: string(data)}}
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &ConnectionError{Op: op, URL: url, Err: fmt.Errorf("decode: %w", err)}
	}
	return nil
}
