// Package pbs implements a read-only client for the Proxmox Backup Server API.
package pbs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rcourtman/pulse-collector/pkg/tlsutil"
	"github.com/rs/zerolog/log"
)

// Client represents a Proxmox Backup Server API client.
type Client struct {
	baseURL    string
	httpClient *http.Client
	auth       auth
	config     ClientConfig
}

// ClientConfig holds configuration for the PBS client.
type ClientConfig struct {
	Host        string
	User        string
	Password    string
	TokenName   string
	TokenValue  string
	Fingerprint string
	VerifySSL   bool
	Timeout     time.Duration
}

type auth struct {
	user       string
	realm      string
	ticket     string
	csrfToken  string
	tokenName  string
	tokenValue string
	expiresAt  time.Time
}

// NewClient creates a new PBS API client.
func NewClient(cfg ClientConfig) (*Client, error) {
	if !strings.HasPrefix(cfg.Host, "http://") && !strings.HasPrefix(cfg.Host, "https://") {
		cfg.Host = "https://" + cfg.Host
		log.Debug().Str("host", cfg.Host).Msg("No protocol specified in PBS host, defaulting to HTTPS")
	}

	if strings.HasPrefix(cfg.Host, "http://") {
		log.Warn().Str("host", cfg.Host).Msg("Using HTTP for PBS connection. PBS typically requires HTTPS. If connection fails, try using https:// instead")
	}

	var user, realm string

	if cfg.TokenName != "" && cfg.TokenValue != "" {
		// Token authentication - the token name may carry the full
		// user@realm!tokenname format.
		if strings.Contains(cfg.TokenName, "!") {
			parts := strings.Split(cfg.TokenName, "!")
			if len(parts) == 2 && strings.Contains(parts[0], "@") {
				userParts := strings.Split(parts[0], "@")
				if len(userParts) == 2 {
					user = userParts[0]
					realm = userParts[1]
					cfg.TokenName = parts[1]
				}
			}
		} else if cfg.User != "" {
			parts := strings.Split(cfg.User, "@")
			if len(parts) == 2 {
				user = parts[0]
				realm = parts[1]
			} else {
				user = cfg.User
				realm = "pbs"
			}
		} else {
			return nil, fmt.Errorf("token authentication requires user information either in token name (user@realm!tokenname) or user field")
		}

		if user == "" {
			return nil, fmt.Errorf("could not parse user information from token name")
		}
	} else {
		parts := strings.Split(cfg.User, "@")
		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid user format, expected user@realm")
		}
		user = parts[0]
		realm = parts[1]
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	client := &Client{
		baseURL:    strings.TrimSuffix(cfg.Host, "/") + "/api2/json",
		httpClient: tlsutil.NewHTTPClient(cfg.VerifySSL, cfg.Fingerprint, timeout),
		config:     cfg,
		auth: auth{
			user:       user,
			realm:      realm,
			tokenName:  cfg.TokenName,
			tokenValue: cfg.TokenValue,
		},
	}

	if cfg.Password != "" && cfg.TokenName == "" {
		if err := client.authenticate(context.Background()); err != nil {
			return nil, fmt.Errorf("authentication failed: %w", err)
		}
	}

	return client, nil
}

// Host returns the configured endpoint URL.
func (c *Client) Host() string {
	return c.config.Host
}

func (c *Client) authenticate(ctx context.Context) error {
	payload := map[string]string{
		"username": c.auth.user + "@" + c.auth.realm,
		"password": c.config.Password,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/access/ticket", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("authentication failed (status %d): %s", resp.StatusCode, string(respBody))
	}

	var result struct {
		Data struct {
			Ticket              string `json:"ticket"`
			CSRFPreventionToken string `json:"CSRFPreventionToken"`
		} `json:"data"`
	}

	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return err
	}

	c.auth.ticket = result.Data.Ticket
	c.auth.csrfToken = result.Data.CSRFPreventionToken
	c.auth.expiresAt = time.Now().Add(2 * time.Hour) // PBS tickets expire after 2 hours

	return nil
}

func (c *Client) get(ctx context.Context, path string) (*http.Response, error) {
	if c.config.Password != "" && c.auth.tokenName == "" && time.Now().After(c.auth.expiresAt) {
		if err := c.authenticate(ctx); err != nil {
			return nil, fmt.Errorf("re-authentication failed: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}

	if c.auth.tokenName != "" && c.auth.tokenValue != "" {
		req.Header.Set("Authorization", fmt.Sprintf("PBSAPIToken=%s@%s!%s:%s",
			c.auth.user, c.auth.realm, c.auth.tokenName, c.auth.tokenValue))
	} else if c.auth.ticket != "" {
		req.Header.Set("Cookie", "PBSAuthCookie="+c.auth.ticket)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)

		err := fmt.Errorf("API error %d: %s", resp.StatusCode, string(body))
		if resp.StatusCode == 401 || resp.StatusCode == 403 {
			return nil, fmt.Errorf("authentication error: %w", err)
		}
		return nil, err
	}

	return resp, nil
}

func (c *Client) getJSON(ctx context.Context, path string, out interface{}) error {
	resp, err := c.get(ctx, path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response for %s: %w", path, err)
	}

	// PBS behind a misconfigured proxy can answer with an HTML error page.
	if len(body) > 0 && body[0] == '<' {
		if strings.HasPrefix(c.config.Host, "http://") {
			return fmt.Errorf("PBS returned HTML instead of JSON. PBS typically requires HTTPS, not HTTP. Try changing your URL from %s to %s",
				c.config.Host, strings.Replace(c.config.Host, "http://", "https://", 1))
		}
		return fmt.Errorf("PBS returned HTML instead of JSON (likely an error page). Please check your PBS URL and port (default is 8007)")
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to decode response for %s: %w", path, err)
	}
	return nil
}

// Version represents PBS version information.
type Version struct {
	Version string `json:"version"`
	Release string `json:"release"`
	RepoID  string `json:"repoid"`
}

// GetVersion returns PBS version information.
func (c *Client) GetVersion(ctx context.Context) (*Version, error) {
	var result struct {
		Data Version `json:"data"`
	}
	if err := c.getJSON(ctx, "/version", &result); err != nil {
		return nil, err
	}
	return &result.Data, nil
}

// GetNodeName returns the PBS node's hostname.
func (c *Client) GetNodeName(ctx context.Context) (string, error) {
	var result struct {
		Data []struct {
			Node string `json:"node"`
		} `json:"data"`
	}
	if err := c.getJSON(ctx, "/nodes", &result); err != nil {
		return "", fmt.Errorf("failed to get nodes: %w", err)
	}
	if len(result.Data) == 0 {
		return "", fmt.Errorf("no nodes found")
	}
	return result.Data[0].Node, nil
}

// Subscription represents the PBS subscription status.
type Subscription struct {
	Status      string `json:"status"`
	Key         string `json:"key,omitempty"`
	ServerID    string `json:"serverid,omitempty"`
	ProductName string `json:"productname,omitempty"`
}

// GetSubscription returns subscription information. Tokens without
// Sys.Audit get a 403 here, which callers treat as unknown.
func (c *Client) GetSubscription(ctx context.Context, node string) (*Subscription, error) {
	var result struct {
		Data Subscription `json:"data"`
	}
	path := fmt.Sprintf("/nodes/%s/subscription", url.PathEscape(node))
	if err := c.getJSON(ctx, path, &result); err != nil {
		return nil, err
	}
	return &result.Data, nil
}

// DatastoreUsage is one entry from /status/datastore-usage.
type DatastoreUsage struct {
	Store string `json:"store"`
	Total int64  `json:"total"`
	Used  int64  `json:"used"`
	Avail int64  `json:"avail"`
	// History carries a sparkline of usage ratios; unused here but part of
	// the response shape.
	History           []float64 `json:"history,omitempty"`
	EstimatedFullDate int64     `json:"estimated-full-date,omitempty"`
	Error             string    `json:"error,omitempty"`
}

// GetDatastoreUsage returns capacity information for every datastore in a
// single call.
func (c *Client) GetDatastoreUsage(ctx context.Context) ([]DatastoreUsage, error) {
	var result struct {
		Data []DatastoreUsage `json:"data"`
	}
	if err := c.getJSON(ctx, "/status/datastore-usage", &result); err != nil {
		return nil, err
	}
	return result.Data, nil
}

// DatastoreConfig is one entry from /config/datastore.
type DatastoreConfig struct {
	Name    string `json:"name"`
	Path    string `json:"path"`
	Comment string `json:"comment,omitempty"`
}

// GetDatastoreConfigs returns the configured datastores. Useful as a
// fallback when the usage endpoint is not permitted.
func (c *Client) GetDatastoreConfigs(ctx context.Context) ([]DatastoreConfig, error) {
	var result struct {
		Data []DatastoreConfig `json:"data"`
	}
	if err := c.getJSON(ctx, "/config/datastore", &result); err != nil {
		return nil, err
	}
	return result.Data, nil
}

// GCStatus is the garbage-collection state of a datastore. The
// deduplication factor derives from index-data-bytes / disk-bytes.
type GCStatus struct {
	UPID           string `json:"upid,omitempty"`
	IndexDataBytes int64  `json:"index-data-bytes,omitempty"`
	DiskBytes      int64  `json:"disk-bytes,omitempty"`
}

// GetGCStatus returns garbage-collection status for a datastore.
func (c *Client) GetGCStatus(ctx context.Context, datastore string) (*GCStatus, error) {
	var result struct {
		Data GCStatus `json:"data"`
	}
	path := fmt.Sprintf("/admin/datastore/%s/gc", url.PathEscape(datastore))
	if err := c.getJSON(ctx, path, &result); err != nil {
		return nil, err
	}
	return &result.Data, nil
}

// Namespace is one entry from /admin/datastore/{store}/namespace.
type Namespace struct {
	NS      string `json:"ns"`
	Comment string `json:"comment,omitempty"`
}

// ListNamespaces lists namespaces under parent, up to maxDepth levels deep.
// An empty parent lists from the datastore root.
func (c *Client) ListNamespaces(ctx context.Context, datastore, parent string, maxDepth int) ([]Namespace, error) {
	params := url.Values{}
	if parent != "" {
		params.Set("parent", parent)
	}
	if maxDepth > 0 {
		params.Set("max-depth", fmt.Sprintf("%d", maxDepth))
	}

	path := fmt.Sprintf("/admin/datastore/%s/namespace", url.PathEscape(datastore))
	if len(params) > 0 {
		path += "?" + params.Encode()
	}

	var result struct {
		Data []Namespace `json:"data"`
	}
	if err := c.getJSON(ctx, path, &result); err != nil {
		return nil, err
	}
	return result.Data, nil
}

// BackupGroup represents a group of backups for a specific guest.
type BackupGroup struct {
	BackupType  string   `json:"backup-type"` // "vm" or "ct"
	BackupID    string   `json:"backup-id"`   // VMID
	Namespace   string   `json:"ns,omitempty"`
	LastBackup  int64    `json:"last-backup"`
	BackupCount int      `json:"backup-count"`
	Files       []string `json:"files,omitempty"`
	Owner       string   `json:"owner,omitempty"`
}

// ListBackupGroups lists all backup groups in a datastore namespace.
func (c *Client) ListBackupGroups(ctx context.Context, datastore, namespace string) ([]BackupGroup, error) {
	path := fmt.Sprintf("/admin/datastore/%s/groups", url.PathEscape(datastore))
	if namespace != "" {
		params := url.Values{}
		params.Set("ns", namespace)
		path += "?" + params.Encode()
	}

	var result struct {
		Data []BackupGroup `json:"data"`
	}
	if err := c.getJSON(ctx, path, &result); err != nil {
		return nil, err
	}

	log.Debug().
		Str("datastore", datastore).
		Str("namespace", namespace).
		Int("count", len(result.Data)).
		Msg("PBS API: backup groups listed")
	return result.Data, nil
}

// Verification holds a snapshot's verification record. PBS serializes it as
// an object on current releases and as a bare state string on very old ones.
type Verification struct {
	State string `json:"state"`
	UPID  string `json:"upid,omitempty"`
}

// UnmarshalJSON accepts both the object and legacy string encodings.
func (v *Verification) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var state string
		if err := json.Unmarshal(data, &state); err != nil {
			return err
		}
		v.State = state
		return nil
	}

	type verification Verification
	var obj verification
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	*v = Verification(obj)
	return nil
}

// Snapshot represents a single backup snapshot.
type Snapshot struct {
	BackupType   string        `json:"backup-type"` // "vm" or "ct"
	BackupID     string        `json:"backup-id"`   // VMID
	BackupTime   int64         `json:"backup-time"` // Unix timestamp
	Namespace    string        `json:"ns,omitempty"`
	Size         int64         `json:"size"`
	Protected    bool          `json:"protected"`
	Comment      string        `json:"comment,omitempty"`
	Owner        string        `json:"owner,omitempty"`
	Verification *Verification `json:"verification,omitempty"`
}

// ListSnapshots lists every snapshot in a datastore namespace.
func (c *Client) ListSnapshots(ctx context.Context, datastore, namespace string) ([]Snapshot, error) {
	path := fmt.Sprintf("/admin/datastore/%s/snapshots", url.PathEscape(datastore))
	if namespace != "" {
		params := url.Values{}
		params.Set("ns", namespace)
		path += "?" + params.Encode()
	}

	var result struct {
		Data []Snapshot `json:"data"`
	}
	if err := c.getJSON(ctx, path, &result); err != nil {
		return nil, err
	}
	return result.Data, nil
}

// Task is one entry from /nodes/{node}/tasks.
type Task struct {
	UPID       string `json:"upid"`
	Node       string `json:"node"`
	WorkerType string `json:"worker_type"`
	WorkerID   string `json:"worker_id,omitempty"` // e.g. "store:vm/100"
	User       string `json:"user"`
	Status     string `json:"status,omitempty"`
	StartTime  int64  `json:"starttime"`
	EndTime    int64  `json:"endtime,omitempty"`
}

// GetNodeTasks returns finished tasks on the PBS node since the given epoch,
// optionally filtered by worker type ("backup", "verify", "gc", ...).
func (c *Client) GetNodeTasks(ctx context.Context, node, typeFilter string, since int64) ([]Task, error) {
	params := url.Values{}
	params.Set("limit", "1000")
	if typeFilter != "" {
		params.Set("typefilter", typeFilter)
	}
	if since > 0 {
		params.Set("since", fmt.Sprintf("%d", since))
	}

	var result struct {
		Data []Task `json:"data"`
	}
	path := fmt.Sprintf("/nodes/%s/tasks?%s", url.PathEscape(node), params.Encode())
	if err := c.getJSON(ctx, path, &result); err != nil {
		return nil, err
	}
	return result.Data, nil
}

// VerifyJob is one entry from /config/verify.
type VerifyJob struct {
	ID             string `json:"id"`
	Store          string `json:"store"`
	Schedule       string `json:"schedule,omitempty"`
	Comment        string `json:"comment,omitempty"`
	Disable        bool   `json:"disable,omitempty"`
	IgnoreVerified bool   `json:"ignore-verified,omitempty"`
	OutdatedAfter  int    `json:"outdated-after,omitempty"`
}

// ListVerifyJobs returns the configured verification jobs.
func (c *Client) ListVerifyJobs(ctx context.Context) ([]VerifyJob, error) {
	var result struct {
		Data []VerifyJob `json:"data"`
	}
	if err := c.getJSON(ctx, "/config/verify", &result); err != nil {
		return nil, err
	}
	return result.Data, nil
}

// GetVerifyJob returns a single verification job's configuration. A 404
// means the job referenced by a task no longer exists.
func (c *Client) GetVerifyJob(ctx context.Context, id string) (*VerifyJob, error) {
	var result struct {
		Data VerifyJob `json:"data"`
	}
	path := fmt.Sprintf("/config/verify/%s", url.PathEscape(id))
	if err := c.getJSON(ctx, path, &result); err != nil {
		return nil, err
	}
	return &result.Data, nil
}
