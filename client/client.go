// Package client provides a Go client for the arbiter coordination server.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

type Client struct {
	BaseURL string
	HTTP    *http.Client
	APIKey  string
}

type Option func(*Client)

func WithAPIKey(key string) Option {
	return func(c *Client) {
		c.APIKey = strings.TrimSpace(key)
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		if httpClient != nil {
			c.HTTP = httpClient
		}
	}
}

func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP:    &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type Session struct {
	SessionID     string `json:"session_id"`
	ProjectPath   string `json:"project_path,omitempty"`
	AgentType     string `json:"agent_type,omitempty"`
	CreatedAt     string `json:"created_at,omitempty"`
	LastHeartbeat string `json:"last_heartbeat,omitempty"`
	Reregistered  bool   `json:"reregistered,omitempty"`
}

type LockResult struct {
	Acquired    bool   `json:"acquired"`
	Extended    bool   `json:"extended"`
	Holder      string `json:"holder"`
	RemainingMs int64  `json:"remaining_ms"`
}

type LockStatus struct {
	Held        bool   `json:"held"`
	Holder      string `json:"holder"`
	RemainingMs int64  `json:"remaining_ms"`
}

type ClaimRequest struct {
	TaskID    string        `json:"task_id"`
	SessionID string        `json:"session_id"`
	TTL       time.Duration `json:"-"`
	TTLMs     int64         `json:"ttl_ms"`
	Metadata  string        `json:"metadata,omitempty"`
	Ancestors []string      `json:"ancestors,omitempty"`
}

type ClaimResult struct {
	Claimed          bool   `json:"claimed"`
	Extended         bool   `json:"extended"`
	Code             string `json:"code"`
	Holder           string `json:"holder"`
	BlockingAncestor string `json:"blocking_ancestor"`
	RemainingMs      int64  `json:"remaining_ms"`
}

type Claim struct {
	TaskID         string `json:"task_id"`
	SessionID      string `json:"session_id"`
	ClaimedAt      string `json:"claimed_at"`
	ExpiresAt      string `json:"expires_at"`
	LastHeartbeat  string `json:"last_heartbeat"`
	HeartbeatCount int    `json:"heartbeat_count"`
	Metadata       string `json:"metadata,omitempty"`
	Status         string `json:"status"`
}

type ClaimInfo struct {
	Claim        Claim  `json:"claim"`
	RemainingMs  int64  `json:"remaining_ms"`
	HealthStatus string `json:"health_status"`
}

type ReleaseResult struct {
	Released   bool   `json:"released"`
	Code       string `json:"code"`
	WasExpired bool   `json:"was_expired"`
}

type RefreshResult struct {
	Refreshed      bool   `json:"refreshed"`
	Code           string `json:"code"`
	HeartbeatCount int    `json:"heartbeat_count"`
}

type ReservedResult struct {
	Reserved         bool   `json:"reserved"`
	DirectClaim      bool   `json:"direct_claim"`
	AncestorClaim    bool   `json:"ancestor_claim"`
	OwnedBySelf      bool   `json:"owned_by_self"`
	Holder           string `json:"holder"`
	BlockingAncestor string `json:"blocking_ancestor"`
}

type Change struct {
	ID         int64  `json:"id,omitempty"`
	SessionID  string `json:"session_id"`
	Resource   string `json:"resource"`
	ChangeType string `json:"change_type"`
	ChangeData string `json:"change_data,omitempty"`
	Timestamp  string `json:"timestamp,omitempty"`
	Applied    bool   `json:"applied,omitempty"`
}

type Stats struct {
	Sessions       int `json:"sessions"`
	ActiveSessions int `json:"active_sessions"`
	Locks          int `json:"locks"`
	Claims         int `json:"claims"`
	ActiveClaims   int `json:"active_claims"`
	ExpiringClaims int `json:"expiring_claims"`
	Changes        int `json:"changes"`
}

func (c *Client) RegisterSession(ctx context.Context, sess Session) (Session, error) {
	resp, err := c.postJSON(ctx, "/api/sessions", sess)
	if err != nil {
		return Session{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return Session{}, fmt.Errorf("register failed: %d", resp.StatusCode)
	}
	var out Session
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Session{}, err
	}
	return out, nil
}

func (c *Client) Heartbeat(ctx context.Context, sessionID string) (bool, error) {
	resp, err := c.postJSON(ctx, "/api/sessions/"+url.PathEscape(sessionID)+"/heartbeat", map[string]string{})
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("heartbeat failed: %d", resp.StatusCode)
	}
	var out struct {
		Updated bool `json:"updated"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return false, err
	}
	return out.Updated, nil
}

func (c *Client) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	resp, err := c.get(ctx, "/api/sessions/"+url.PathEscape(sessionID))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("get session failed: %d", resp.StatusCode)
	}
	var out Session
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) ListSessions(ctx context.Context) ([]Session, error) {
	return c.listSessions(ctx, "/api/sessions")
}

// StaleSessions returns sessions whose last heartbeat is older than maxAge.
func (c *Client) StaleSessions(ctx context.Context, maxAge time.Duration) ([]Session, error) {
	return c.listSessions(ctx, "/api/sessions?stale_ms="+strconv.FormatInt(maxAge.Milliseconds(), 10))
}

func (c *Client) listSessions(ctx context.Context, path string) ([]Session, error) {
	resp, err := c.get(ctx, path)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("list sessions failed: %d", resp.StatusCode)
	}
	var out struct {
		Sessions []Session `json:"sessions"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	return out.Sessions, nil
}

func (c *Client) DeregisterSession(ctx context.Context, sessionID string) error {
	resp, err := c.delete(ctx, "/api/sessions/"+url.PathEscape(sessionID))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("deregister failed: %d", resp.StatusCode)
	}
	return nil
}

func (c *Client) AcquireLock(ctx context.Context, resource, sessionID string, ttl time.Duration) (LockResult, error) {
	resp, err := c.postJSON(ctx, "/api/locks", map[string]any{
		"resource":   resource,
		"session_id": sessionID,
		"ttl_ms":     ttl.Milliseconds(),
	})
	if err != nil {
		return LockResult{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusConflict {
		return LockResult{}, fmt.Errorf("acquire lock failed: %d", resp.StatusCode)
	}
	var out LockResult
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return LockResult{}, err
	}
	return out, nil
}

func (c *Client) ReleaseLock(ctx context.Context, resource, sessionID string) (bool, error) {
	endpoint := "/api/locks/" + escapePath(resource) + "?session=" + url.QueryEscape(sessionID)
	resp, err := c.delete(ctx, endpoint)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusConflict {
		return false, fmt.Errorf("release lock failed: %d", resp.StatusCode)
	}
	var out struct {
		Released bool `json:"released"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return false, err
	}
	return out.Released, nil
}

func (c *Client) RefreshLock(ctx context.Context, resource, sessionID string, ttl time.Duration) (bool, error) {
	resp, err := c.postJSON(ctx, "/api/locks/"+escapePath(resource)+"/refresh", map[string]any{
		"session_id": sessionID,
		"ttl_ms":     ttl.Milliseconds(),
	})
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusConflict {
		return false, fmt.Errorf("refresh lock failed: %d", resp.StatusCode)
	}
	var out struct {
		Refreshed bool `json:"refreshed"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return false, err
	}
	return out.Refreshed, nil
}

func (c *Client) LockStatus(ctx context.Context, resource string) (LockStatus, error) {
	resp, err := c.get(ctx, "/api/locks/"+escapePath(resource))
	if err != nil {
		return LockStatus{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return LockStatus{}, fmt.Errorf("lock status failed: %d", resp.StatusCode)
	}
	var out LockStatus
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return LockStatus{}, err
	}
	return out, nil
}

// WithLock acquires resource, runs fn, and releases on every exit path. A
// held lock surfaces as an error so callers can back off.
func (c *Client) WithLock(ctx context.Context, resource, sessionID string, ttl time.Duration, fn func(context.Context) error) error {
	res, err := c.AcquireLock(ctx, resource, sessionID, ttl)
	if err != nil {
		return err
	}
	if !res.Acquired {
		return fmt.Errorf("lock %q held by %s", resource, res.Holder)
	}
	defer c.ReleaseLock(ctx, resource, sessionID)
	return fn(ctx)
}

func (c *Client) ClaimTask(ctx context.Context, req ClaimRequest) (ClaimResult, error) {
	if req.TTLMs == 0 && req.TTL != 0 {
		req.TTLMs = req.TTL.Milliseconds()
	}
	resp, err := c.postJSON(ctx, "/api/claims", req)
	if err != nil {
		return ClaimResult{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusConflict {
		return ClaimResult{}, fmt.Errorf("claim failed: %d", resp.StatusCode)
	}
	var out ClaimResult
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return ClaimResult{}, err
	}
	return out, nil
}

func (c *Client) ReleaseClaim(ctx context.Context, taskID, sessionID, reason string) (ReleaseResult, error) {
	resp, err := c.deleteJSON(ctx, "/api/claims/"+escapePath(taskID), map[string]string{
		"session_id": sessionID,
		"reason":     reason,
	})
	if err != nil {
		return ReleaseResult{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusConflict {
		return ReleaseResult{}, fmt.Errorf("release claim failed: %d", resp.StatusCode)
	}
	var out ReleaseResult
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return ReleaseResult{}, err
	}
	return out, nil
}

func (c *Client) RefreshClaim(ctx context.Context, taskID, sessionID string, ttl time.Duration) (RefreshResult, error) {
	resp, err := c.postJSON(ctx, "/api/claims/"+escapePath(taskID)+"/refresh", map[string]any{
		"session_id": sessionID,
		"ttl_ms":     ttl.Milliseconds(),
	})
	if err != nil {
		return RefreshResult{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusConflict {
		return RefreshResult{}, fmt.Errorf("refresh claim failed: %d", resp.StatusCode)
	}
	var out RefreshResult
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return RefreshResult{}, err
	}
	return out, nil
}

func (c *Client) GetClaim(ctx context.Context, taskID string) (*ClaimInfo, error) {
	resp, err := c.get(ctx, "/api/claims/"+escapePath(taskID))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("get claim failed: %d", resp.StatusCode)
	}
	var out ClaimInfo
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) ActiveClaims(ctx context.Context, sessionID string, includeExpired bool) ([]Claim, error) {
	values := url.Values{}
	if sessionID != "" {
		values.Set("session", sessionID)
	}
	if includeExpired {
		values.Set("include_expired", "true")
	}
	endpoint := "/api/claims"
	if len(values) > 0 {
		endpoint += "?" + values.Encode()
	}
	resp, err := c.get(ctx, endpoint)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("list claims failed: %d", resp.StatusCode)
	}
	var out struct {
		Claims []Claim `json:"claims"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	return out.Claims, nil
}

func (c *Client) IsTaskReserved(ctx context.Context, taskID string, ancestors []string, excludeSessionID string) (ReservedResult, error) {
	values := url.Values{}
	if len(ancestors) > 0 {
		values.Set("ancestors", strings.Join(ancestors, ","))
	}
	if excludeSessionID != "" {
		values.Set("exclude", excludeSessionID)
	}
	endpoint := "/api/claims/" + escapePath(taskID) + "/reserved"
	if len(values) > 0 {
		endpoint += "?" + values.Encode()
	}
	resp, err := c.get(ctx, endpoint)
	if err != nil {
		return ReservedResult{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return ReservedResult{}, fmt.Errorf("reserved check failed: %d", resp.StatusCode)
	}
	var out ReservedResult
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return ReservedResult{}, err
	}
	return out, nil
}

func (c *Client) RecordChange(ctx context.Context, change Change) (int64, error) {
	resp, err := c.postJSON(ctx, "/api/changes", change)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		return 0, fmt.Errorf("record change failed: %d", resp.StatusCode)
	}
	var out struct {
		ID int64 `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, err
	}
	return out.ID, nil
}

func (c *Client) RecentChanges(ctx context.Context, limit int) ([]Change, error) {
	return c.listChanges(ctx, url.Values{"limit": []string{fmt.Sprintf("%d", limit)}})
}

func (c *Client) ChangesBySession(ctx context.Context, sessionID string, limit int) ([]Change, error) {
	return c.listChanges(ctx, url.Values{
		"session": []string{sessionID},
		"limit":   []string{fmt.Sprintf("%d", limit)},
	})
}

func (c *Client) ChangesByResource(ctx context.Context, resource string, limit int) ([]Change, error) {
	return c.listChanges(ctx, url.Values{
		"resource": []string{resource},
		"limit":    []string{fmt.Sprintf("%d", limit)},
	})
}

func (c *Client) listChanges(ctx context.Context, values url.Values) ([]Change, error) {
	resp, err := c.get(ctx, "/api/changes?"+values.Encode())
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("list changes failed: %d", resp.StatusCode)
	}
	var out struct {
		Changes []Change `json:"changes"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	return out.Changes, nil
}

func (c *Client) MarkChangeApplied(ctx context.Context, id int64) error {
	resp, err := c.postJSON(ctx, fmt.Sprintf("/api/changes/%d/applied", id), map[string]string{})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("mark applied failed: %d", resp.StatusCode)
	}
	return nil
}

func (c *Client) Stats(ctx context.Context) (Stats, error) {
	resp, err := c.get(ctx, "/api/stats")
	if err != nil {
		return Stats{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Stats{}, fmt.Errorf("stats failed: %d", resp.StatusCode)
	}
	var out Stats
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Stats{}, err
	}
	return out, nil
}

func (c *Client) postJSON(ctx context.Context, path string, payload any) (*http.Response, error) {
	return c.doJSON(ctx, http.MethodPost, path, payload)
}

func (c *Client) deleteJSON(ctx context.Context, path string, payload any) (*http.Response, error) {
	return c.doJSON(ctx, http.MethodDelete, path, payload)
}

func (c *Client) doJSON(ctx context.Context, method, path string, payload any) (*http.Response, error) {
	buf, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, bytes.NewReader(buf))
	if err != nil {
		return nil, err
	}
	c.applyHeaders(req)
	req.Header.Set("Content-Type", "application/json")
	return c.HTTP.Do(req)
}

func (c *Client) get(ctx context.Context, path string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+path, nil)
	if err != nil {
		return nil, err
	}
	c.applyHeaders(req)
	return c.HTTP.Do(req)
}

func (c *Client) delete(ctx context.Context, path string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.BaseURL+path, nil)
	if err != nil {
		return nil, err
	}
	c.applyHeaders(req)
	return c.HTTP.Do(req)
}

func (c *Client) applyHeaders(req *http.Request) {
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}
}

// escapePath escapes a path element that may itself contain slashes, keeping
// them literal so server-side suffix routing still works.
func escapePath(s string) string {
	parts := strings.Split(s, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.Join(parts, "/")
}
