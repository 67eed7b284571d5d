package moultrie

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/trailcam-labs/trailcam-bridge/internal/model"
)

// TokenSource supplies a valid bearer token for outbound calls. Invalidate
// forces the next Token call to refresh, used after an upstream 401.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	Invalidate()
}

// Config holds client knobs.
type Config struct {
	BaseURL     string
	CDNBaseURL  string
	Timeout     time.Duration
	MaxAttempts int
	RetryBase   time.Duration
	RetryMax    time.Duration
}

// Client is a stateless wrapper over the trail-camera cloud HTTP API. All
// state (tokens, snapshots, pending writes) lives with the callers.
type Client struct {
	baseURL     *url.URL
	cdnBase     string
	tokens      TokenSource
	http        *http.Client
	maxAttempts int
	retryBase   time.Duration
	retryMax    time.Duration
}

// New creates an API client.
func New(cfg Config, tokens TokenSource) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base url is required")
	}
	parsed, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, err
	}
	if parsed.Scheme == "" {
		return nil, fmt.Errorf("base url must include scheme")
	}
	parsed.Path = strings.TrimSuffix(parsed.Path, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 2 * time.Second
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = 30 * time.Second
	}
	return &Client{
		baseURL: parsed,
		cdnBase: strings.TrimSuffix(cfg.CDNBaseURL, "/"),
		tokens:  tokens,
		http: &http.Client{
			Timeout: cfg.Timeout,
		},
		maxAttempts: cfg.MaxAttempts,
		retryBase:   cfg.RetryBase,
		retryMax:    cfg.RetryMax,
	}, nil
}

// Devices returns the full current device list.
func (c *Client) Devices(ctx context.Context) ([]model.Device, error) {
	var payload struct {
		Devices []model.Device `json:"Devices"`
	}
	if err := c.get(ctx, "/api/v1/Device/Devices", nil, &payload); err != nil {
		return nil, err
	}
	return payload.Devices, nil
}

// Device returns a single device record.
func (c *Client) Device(ctx context.Context, cameraID int64) (*model.Device, error) {
	query := url.Values{}
	query.Set("cameraId", strconv.FormatInt(cameraID, 10))
	var payload model.Device
	if err := c.get(ctx, "/api/v1/Device/GetSingleDevice", query, &payload); err != nil {
		return nil, err
	}
	return &payload, nil
}

// GroupedSettings fetches the grouped settings for a device.
func (c *Client) GroupedSettings(ctx context.Context, cameraID int64) ([]model.SettingGroup, error) {
	query := url.Values{}
	query.Set("id", strconv.FormatInt(cameraID, 10))
	var payload struct {
		GroupedSettings []model.SettingGroup `json:"GroupedSettings"`
	}
	if err := c.get(ctx, "/api/v1/Device/GetGroupedSettings", query, &payload); err != nil {
		return nil, err
	}
	return payload.GroupedSettings, nil
}

// SettingChange is one short-code/value pair for a settings save.
type SettingChange struct {
	ShortCode string `json:"SettingShortText"`
	Value     string `json:"Value"`
}

// SaveSettings submits setting writes for a device.
func (c *Client) SaveSettings(ctx context.Context, cameraID, modemID int64, changes []SettingChange) (bool, error) {
	body := map[string]any{
		"CameraId": cameraID,
		"ModemId":  modemID,
		"Settings": changes,
	}
	var payload struct {
		SettingsSaved bool `json:"SettingsSaved"`
	}
	if err := c.post(ctx, "/api/v1/Device/SaveDeviceSettings", body, &payload); err != nil {
		return false, err
	}
	return payload.SettingsSaved, nil
}

// OnDemandResult is the response of an on-demand capture request.
type OnDemandResult struct {
	Success           bool `json:"Success"`
	CheckAfterSeconds int  `json:"CheckAfterSeconds"`
}

// OnDemand triggers an out-of-schedule capture. Event type is "image" or
// "video"; consent is always sent, matching the mobile app.
func (c *Client) OnDemand(ctx context.Context, meid, eventType string) (*OnDemandResult, error) {
	body := map[string]any{
		"Meid":              meid,
		"DidConsent":        true,
		"OnDemandEventType": eventType,
	}
	var payload OnDemandResult
	if err := c.post(ctx, "/api/v1/Device/OnDemand", body, &payload); err != nil {
		return nil, err
	}
	return &payload, nil
}

// ImageSearchRequest narrows an image search.
type ImageSearchRequest struct {
	PageSize   int   `json:"PageSize"`
	PageNumber int   `json:"PageNumber"`
	CameraID   int64 `json:"CameraId,omitempty"`
}

// ImageSearchResult is one page of image records.
type ImageSearchResult struct {
	Records []model.ImageRecord
	Total   int
}

// SearchImages runs a paginated image search.
func (c *Client) SearchImages(ctx context.Context, req ImageSearchRequest) (*ImageSearchResult, error) {
	if req.PageSize <= 0 {
		req.PageSize = 20
	}
	if req.PageNumber <= 0 {
		req.PageNumber = 1
	}
	// The upstream nests the page inside a second Results envelope.
	var payload struct {
		Results struct {
			Results      []model.ImageRecord `json:"Results"`
			TotalResults int                 `json:"TotalResults"`
		} `json:"Results"`
	}
	if err := c.post(ctx, "/api/v2/Image/ImageSearch", req, &payload); err != nil {
		return nil, err
	}
	return &ImageSearchResult{
		Records: payload.Results.Results,
		Total:   payload.Results.TotalResults,
	}, nil
}

// LatestImage returns the most recent image for a camera, or nil when the
// camera has not uploaded anything yet.
func (c *Client) LatestImage(ctx context.Context, cameraID int64) (*model.ImageRecord, error) {
	page, err := c.SearchImages(ctx, ImageSearchRequest{PageSize: 1, PageNumber: 1, CameraID: cameraID})
	if err != nil {
		return nil, err
	}
	if len(page.Records) == 0 {
		return nil, nil
	}
	record := page.Records[0]
	if record.DeviceID == 0 {
		record.DeviceID = cameraID
	}
	return &record, nil
}

// PendingIDs lists in-flight high-res and video enrichment requests.
type PendingIDs struct {
	HighResImageIDs []string `json:"HighResImageIds"`
	VideoIDs        []string `json:"VideoIds"`
}

// PendingRequests fetches the pending enrichment identifiers for a device.
func (c *Client) PendingRequests(ctx context.Context, deviceID int64) (*PendingIDs, error) {
	query := url.Values{}
	query.Set("deviceId", strconv.FormatInt(deviceID, 10))
	var payload PendingIDs
	if err := c.get(ctx, "/api/v1/Image/GetPendingVideoAndHighResIds", query, &payload); err != nil {
		return nil, err
	}
	return &payload, nil
}

// AccountDetails is the account summary block.
type AccountDetails struct {
	AccountID string `json:"AccountId"`
	Email     string `json:"Email"`
}

// Account fetches account details without forcing an upstream refresh.
func (c *Client) Account(ctx context.Context) (*AccountDetails, error) {
	query := url.Values{}
	query.Set("Update", "false")
	var payload AccountDetails
	if err := c.get(ctx, "/api/v1/Account/AccountDetails", query, &payload); err != nil {
		return nil, err
	}
	return &payload, nil
}

// HasUnreadNotifications probes the notification center.
func (c *Client) HasUnreadNotifications(ctx context.Context) (bool, error) {
	var payload struct {
		HasUnreadNotification bool `json:"HasUnreadNotification"`
	}
	if err := c.get(ctx, "/api/v1/NotificationCenter/HasUnreadNotification", nil, &payload); err != nil {
		return false, err
	}
	return payload.HasUnreadNotification, nil
}

// FetchImage downloads image bytes from the CDN. The CDN is a separate,
// unauthenticated host, so no bearer header and no retry loop.
func (c *Client) FetchImage(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &Error{Kind: KindTransient, Op: "GET image", Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, &Error{Kind: classifyStatus(resp.StatusCode), Op: "GET image", Status: resp.StatusCode}
	}
	return io.ReadAll(resp.Body)
}

// CDNBase returns the configured image CDN base URL.
func (c *Client) CDNBase() string {
	return c.cdnBase
}

func (c *Client) get(ctx context.Context, p string, query url.Values, out any) error {
	return c.do(ctx, http.MethodGet, p, query, nil, out)
}

func (c *Client) post(ctx context.Context, p string, body, out any) error {
	return c.do(ctx, http.MethodPost, p, nil, body, out)
}

// do executes one API call with bounded retries. Transport-level failures
// are retried for any method since no response was received; HTTP-level
// failures are retried only for GET, so mutating calls never run twice
// after the server has seen them. A 401 forces a token refresh and a single
// immediate re-attempt.
func (c *Client) do(ctx context.Context, method, p string, query url.Values, body, out any) error {
	op := method + " " + p
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}

	refreshed := false
	var lastErr error
	for attempt := 0; attempt < c.maxAttempts; attempt++ {
		if attempt > 0 {
			if err := sleepCtx(ctx, backoffWithJitter(c.retryBase, c.retryMax, attempt-1)); err != nil {
				return err
			}
		}

		token, err := c.tokens.Token(ctx)
		if err != nil {
			return err
		}
		req, err := c.newRequest(ctx, method, p, query, payload, token)
		if err != nil {
			return err
		}

		resp, err := c.http.Do(req)
		if err != nil {
			lastErr = &Error{Kind: KindTransient, Op: op, Err: err}
			continue
		}
		raw, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			if readErr != nil {
				lastErr = &Error{Kind: KindTransient, Op: op, Err: readErr}
				continue
			}
			if out == nil || len(bytes.TrimSpace(raw)) == 0 {
				return nil
			}
			if err := json.Unmarshal(raw, out); err != nil {
				return &Error{Kind: KindClient, Op: op, Message: "decode response", Err: err}
			}
			return nil
		}

		apiErr := &Error{
			Kind:    classifyStatus(resp.StatusCode),
			Op:      op,
			Status:  resp.StatusCode,
			Message: truncate(string(raw), 256),
		}
		switch apiErr.Kind {
		case KindUnauthorized:
			if !refreshed {
				refreshed = true
				c.tokens.Invalidate()
				attempt--
				continue
			}
			return apiErr
		case KindRateLimited, KindServer:
			if method != http.MethodGet {
				return apiErr
			}
			lastErr = apiErr
		default:
			return apiErr
		}
	}
	return lastErr
}

func (c *Client) newRequest(ctx context.Context, method, p string, query url.Values, payload []byte, token string) (*http.Request, error) {
	u := *c.baseURL
	u.Path = path.Join(c.baseURL.Path, p)
	if query != nil {
		u.RawQuery = query.Encode()
	}
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

// backoffWithJitter computes delay = min(base * 2^attempt, max) ± 25%.
func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	delay := base << uint(attempt)
	if delay > max {
		delay = max
	}
	quarter := delay / 4
	if quarter > 0 {
		jitter := time.Duration(rand.Int63n(int64(quarter*2))) - quarter
		delay += jitter
	}
	return delay
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n]
}
