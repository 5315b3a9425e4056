// Package proxmox implements a read-only client for the Proxmox VE API.
package proxmox

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

// Client represents a Proxmox VE API client bound to a single endpoint.
type Client struct {
	baseURL    string
	httpClient *http.Client
	auth       auth
	config     ClientConfig
}

// ClientConfig holds configuration for the PVE client.
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

// NewClient creates a new PVE API client.
func NewClient(cfg ClientConfig) (*Client, error) {
	if !strings.HasPrefix(cfg.Host, "http://") && !strings.HasPrefix(cfg.Host, "https://") {
		cfg.Host = "https://" + cfg.Host
		log.Debug().Str("host", cfg.Host).Msg("No protocol specified in PVE host, defaulting to HTTPS")
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
				realm = "pam"
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
	c.auth.expiresAt = time.Now().Add(2 * time.Hour) // PVE tickets expire after 2 hours

	return nil
}

// get performs a GET request against an API path and returns the response.
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
		req.Header.Set("Authorization", fmt.Sprintf("PVEAPIToken=%s@%s!%s=%s",
			c.auth.user, c.auth.realm, c.auth.tokenName, c.auth.tokenValue))
	} else if c.auth.ticket != "" {
		req.Header.Set("Cookie", "PVEAuthCookie="+c.auth.ticket)
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

// getJSON performs a GET request and decodes the standard {"data": ...}
// envelope into out.
func (c *Client) getJSON(ctx context.Context, path string, out interface{}) error {
	resp, err := c.get(ctx, path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response for %s: %w", path, err)
	}
	return nil
}

// Version represents PVE version information.
type Version struct {
	Version string `json:"version"`
	Release string `json:"release"`
	RepoID  string `json:"repoid"`
}

// GetVersion returns PVE version information.
func (c *Client) GetVersion(ctx context.Context) (*Version, error) {
	var result struct {
		Data Version `json:"data"`
	}
	if err := c.getJSON(ctx, "/version", &result); err != nil {
		return nil, err
	}
	return &result.Data, nil
}

// ClusterStatus is one entry from /cluster/status. The endpoint mixes a
// single "cluster"-typed row (cluster name, node count, quorum) with one
// "node"-typed row per member.
type ClusterStatus struct {
	Type    string `json:"type"` // "cluster" or "node"
	ID      string `json:"id"`
	Name    string `json:"name"`
	Nodes   int    `json:"nodes,omitempty"`
	Quorate int    `json:"quorate,omitempty"`
	NodeID  int    `json:"nodeid,omitempty"`
	IP      string `json:"ip,omitempty"`
	Online  int    `json:"online,omitempty"`
	Local   int    `json:"local,omitempty"`
	Level   string `json:"level,omitempty"`
}

// GetClusterStatus returns the cluster status including all member nodes.
func (c *Client) GetClusterStatus(ctx context.Context) ([]ClusterStatus, error) {
	var result struct {
		Data []ClusterStatus `json:"data"`
	}
	if err := c.getJSON(ctx, "/cluster/status", &result); err != nil {
		return nil, err
	}
	return result.Data, nil
}

// Node is one entry from /nodes.
type Node struct {
	Node    string  `json:"node"`
	Status  string  `json:"status"`
	CPU     float64 `json:"cpu"`
	MaxCPU  int     `json:"maxcpu"`
	Mem     int64   `json:"mem"`
	MaxMem  int64   `json:"maxmem"`
	Disk    int64   `json:"disk"`
	MaxDisk int64   `json:"maxdisk"`
	Uptime  int64   `json:"uptime"`
	Level   string  `json:"level,omitempty"`
}

// GetNodes returns all nodes known to this endpoint.
func (c *Client) GetNodes(ctx context.Context) ([]Node, error) {
	var result struct {
		Data []Node `json:"data"`
	}
	if err := c.getJSON(ctx, "/nodes", &result); err != nil {
		return nil, err
	}
	return result.Data, nil
}

// NodeStatus represents detailed status for a single node.
type NodeStatus struct {
	CPU         float64   `json:"cpu"`
	LoadAverage []string  `json:"loadavg"` // PVE returns load averages as strings
	Memory      MemInfo   `json:"memory"`
	Swap        MemInfo   `json:"swap"`
	RootFS      MemInfo   `json:"rootfs"`
	Uptime      int64     `json:"uptime"`
	KVersion    string    `json:"kversion"`
	PVEVersion  string    `json:"pveversion"`
	CPUInfo     CPUDetail `json:"cpuinfo"`
}

// MemInfo is a total/used/free triple used for memory, swap and rootfs.
type MemInfo struct {
	Total int64 `json:"total"`
	Used  int64 `json:"used"`
	Free  int64 `json:"free"`
	Avail int64 `json:"avail,omitempty"`
}

// CPUDetail describes the node's CPU hardware.
type CPUDetail struct {
	Model   string `json:"model"`
	Cores   int    `json:"cores"`
	Sockets int    `json:"sockets"`
	MHz     string `json:"mhz"`
}

// GetNodeStatus returns detailed status for the named node.
func (c *Client) GetNodeStatus(ctx context.Context, node string) (*NodeStatus, error) {
	var result struct {
		Data NodeStatus `json:"data"`
	}
	if err := c.getJSON(ctx, fmt.Sprintf("/nodes/%s/status", url.PathEscape(node)), &result); err != nil {
		return nil, err
	}
	return &result.Data, nil
}

// Storage is one entry from /nodes/{node}/storage.
type Storage struct {
	Storage      string  `json:"storage"`
	Type         string  `json:"type"`
	Content      string  `json:"content"`
	Total        int64   `json:"total"`
	Used         int64   `json:"used"`
	Avail        int64   `json:"avail"`
	UsedFraction float64 `json:"used_fraction,omitempty"`
	Shared       int     `json:"shared"`
	Active       int     `json:"active"`
	Enabled      int     `json:"enabled"`
}

// GetNodeStorage returns the storage volumes visible on a node.
func (c *Client) GetNodeStorage(ctx context.Context, node string) ([]Storage, error) {
	var result struct {
		Data []Storage `json:"data"`
	}
	if err := c.getJSON(ctx, fmt.Sprintf("/nodes/%s/storage", url.PathEscape(node)), &result); err != nil {
		return nil, err
	}
	return result.Data, nil
}

// StorageConfig is one entry from the cluster-wide /storage listing.
type StorageConfig struct {
	Storage string `json:"storage"`
	Type    string `json:"type"`
	Content string `json:"content"`
	Shared  int    `json:"shared"`
	Nodes   string `json:"nodes,omitempty"`
	Disable int    `json:"disable,omitempty"`
}

// GetStorageConfig returns the cluster storage configuration.
func (c *Client) GetStorageConfig(ctx context.Context) ([]StorageConfig, error) {
	var result struct {
		Data []StorageConfig `json:"data"`
	}
	if err := c.getJSON(ctx, "/storage", &result); err != nil {
		return nil, err
	}
	return result.Data, nil
}

// VM is one entry from /nodes/{node}/qemu.
type VM struct {
	VMID      int     `json:"vmid"`
	Name      string  `json:"name"`
	Status    string  `json:"status"`
	CPU       float64 `json:"cpu"`
	CPUs      int     `json:"cpus"`
	Mem       int64   `json:"mem"`
	MaxMem    int64   `json:"maxmem"`
	Disk      int64   `json:"disk"`
	MaxDisk   int64   `json:"maxdisk"`
	NetIn     int64   `json:"netin"`
	NetOut    int64   `json:"netout"`
	DiskRead  int64   `json:"diskread"`
	DiskWrite int64   `json:"diskwrite"`
	Uptime    int64   `json:"uptime"`
	Template  int     `json:"template,omitempty"`
	Tags      string  `json:"tags,omitempty"`
	Lock      string  `json:"lock,omitempty"`
}

// GetVMs returns the QEMU guests on a node.
func (c *Client) GetVMs(ctx context.Context, node string) ([]VM, error) {
	var result struct {
		Data []VM `json:"data"`
	}
	if err := c.getJSON(ctx, fmt.Sprintf("/nodes/%s/qemu", url.PathEscape(node)), &result); err != nil {
		return nil, err
	}
	return result.Data, nil
}

// Container is one entry from /nodes/{node}/lxc. The shape matches VM except
// that PVE reports LXC vmids as strings on some versions, so the field is
// normalized through json.Number.
type Container struct {
	VMID      json.Number `json:"vmid"`
	Name      string      `json:"name"`
	Status    string      `json:"status"`
	CPU       float64     `json:"cpu"`
	CPUs      int         `json:"cpus"`
	Mem       int64       `json:"mem"`
	MaxMem    int64       `json:"maxmem"`
	Disk      int64       `json:"disk"`
	MaxDisk   int64       `json:"maxdisk"`
	NetIn     int64       `json:"netin"`
	NetOut    int64       `json:"netout"`
	DiskRead  int64       `json:"diskread"`
	DiskWrite int64       `json:"diskwrite"`
	Uptime    int64       `json:"uptime"`
	Template  int         `json:"template,omitempty"`
	Tags      string      `json:"tags,omitempty"`
	Lock      string      `json:"lock,omitempty"`
}

// VMIDInt returns the container vmid as an int, 0 when unparseable.
func (ct Container) VMIDInt() int {
	id, err := ct.VMID.Int64()
	if err != nil {
		return 0
	}
	return int(id)
}

// GetContainers returns the LXC guests on a node.
func (c *Client) GetContainers(ctx context.Context, node string) ([]Container, error) {
	var result struct {
		Data []Container `json:"data"`
	}
	if err := c.getJSON(ctx, fmt.Sprintf("/nodes/%s/lxc", url.PathEscape(node)), &result); err != nil {
		return nil, err
	}
	return result.Data, nil
}

// GuestStatus is the current status of a single guest.
type GuestStatus struct {
	Status    string  `json:"status"`
	CPU       float64 `json:"cpu"`
	CPUs      int     `json:"cpus"`
	Mem       int64   `json:"mem"`
	MaxMem    int64   `json:"maxmem"`
	Disk      int64   `json:"disk"`
	MaxDisk   int64   `json:"maxdisk"`
	NetIn     int64   `json:"netin"`
	NetOut    int64   `json:"netout"`
	DiskRead  int64   `json:"diskread"`
	DiskWrite int64   `json:"diskwrite"`
	Uptime    int64   `json:"uptime"`
}

// GetGuestStatus returns the live status of one guest. guestType is
// "qemu" or "lxc".
func (c *Client) GetGuestStatus(ctx context.Context, node, guestType string, vmid int) (*GuestStatus, error) {
	var result struct {
		Data GuestStatus `json:"data"`
	}
	path := fmt.Sprintf("/nodes/%s/%s/%d/status/current", url.PathEscape(node), guestType, vmid)
	if err := c.getJSON(ctx, path, &result); err != nil {
		return nil, err
	}
	return &result.Data, nil
}

// RRDPoint is one sample from a guest's RRD history.
type RRDPoint struct {
	Time      int64   `json:"time"`
	CPU       float64 `json:"cpu,omitempty"`
	Mem       float64 `json:"mem,omitempty"`
	MaxMem    float64 `json:"maxmem,omitempty"`
	Disk      float64 `json:"disk,omitempty"`
	MaxDisk   float64 `json:"maxdisk,omitempty"`
	NetIn     float64 `json:"netin,omitempty"`
	NetOut    float64 `json:"netout,omitempty"`
	DiskRead  float64 `json:"diskread,omitempty"`
	DiskWrite float64 `json:"diskwrite,omitempty"`
}

// GetGuestRRDData returns RRD history for a guest over the given timeframe
// ("hour", "day", "week", "month", "year").
func (c *Client) GetGuestRRDData(ctx context.Context, node, guestType string, vmid int, timeframe string) ([]RRDPoint, error) {
	var result struct {
		Data []RRDPoint `json:"data"`
	}
	path := fmt.Sprintf("/nodes/%s/%s/%d/rrddata?timeframe=%s&cf=AVERAGE",
		url.PathEscape(node), guestType, vmid, url.QueryEscape(timeframe))
	if err := c.getJSON(ctx, path, &result); err != nil {
		return nil, err
	}
	return result.Data, nil
}

// GuestSnapshot is one entry from a guest's snapshot listing.
type GuestSnapshot struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	SnapTime    int64  `json:"snaptime,omitempty"`
	Parent      string `json:"parent,omitempty"`
	VMState     int    `json:"vmstate,omitempty"`
}

// GetGuestSnapshots returns the configured snapshots of a guest. The
// synthetic "current" entry PVE appends is filtered out.
func (c *Client) GetGuestSnapshots(ctx context.Context, node, guestType string, vmid int) ([]GuestSnapshot, error) {
	var result struct {
		Data []GuestSnapshot `json:"data"`
	}
	path := fmt.Sprintf("/nodes/%s/%s/%d/snapshot", url.PathEscape(node), guestType, vmid)
	if err := c.getJSON(ctx, path, &result); err != nil {
		return nil, err
	}

	snapshots := make([]GuestSnapshot, 0, len(result.Data))
	for _, snap := range result.Data {
		if snap.Name == "current" {
			continue
		}
		snapshots = append(snapshots, snap)
	}
	return snapshots, nil
}

// Task is one entry from /nodes/{node}/tasks.
type Task struct {
	UPID      string `json:"upid"`
	Node      string `json:"node"`
	Type      string `json:"type"`
	ID        string `json:"id"` // worker id, e.g. the vmid for vzdump tasks
	User      string `json:"user"`
	Status    string `json:"status"`
	StartTime int64  `json:"starttime"`
	EndTime   int64  `json:"endtime,omitempty"`
}

// GetNodeTasks returns finished tasks on a node, newest first. typeFilter is
// optional ("vzdump" restricts to backup tasks); since bounds the listing to
// tasks started after the given epoch when > 0.
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

// StorageContent is one volume from /nodes/{node}/storage/{storage}/content.
type StorageContent struct {
	VolID        string               `json:"volid"`
	Content      string               `json:"content"`
	Format       string               `json:"format,omitempty"`
	Size         int64                `json:"size"`
	CTime        int64                `json:"ctime,omitempty"`
	VMID         json.Number          `json:"vmid,omitempty"`
	Notes        string               `json:"notes,omitempty"`
	Protected    int                  `json:"protected,omitempty"`
	Verification *ContentVerification `json:"verification,omitempty"`
}

// ContentVerification is present on PBS-backed backup volumes.
type ContentVerification struct {
	State string `json:"state"`
	UPID  string `json:"upid,omitempty"`
}

// GetStorageContent lists the content of a storage volume on a node.
func (c *Client) GetStorageContent(ctx context.Context, node, storage string) ([]StorageContent, error) {
	var result struct {
		Data []StorageContent `json:"data"`
	}
	path := fmt.Sprintf("/nodes/%s/storage/%s/content", url.PathEscape(node), url.PathEscape(storage))
	if err := c.getJSON(ctx, path, &result); err != nil {
		return nil, err
	}
	return result.Data, nil
}
