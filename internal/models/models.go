// Package models defines the data structures assembled by the discovery engine.
package models

import "time"

// Snapshot is the full aggregate produced by one discovery cycle.
type Snapshot struct {
	CycleID          string          `json:"cycleId"`
	Nodes            []Node          `json:"nodes"`
	VMs              []VM            `json:"vms"`
	Containers       []Container     `json:"containers"`
	Storage          []Storage       `json:"storage"`
	PBSInstances     []PBSInstance   `json:"pbs"`
	PVEBackups       PVEBackups      `json:"pveBackups"`
	AllPBSTasks      []Task          `json:"pbsTasks"`
	PBSTaskSummary   TaskSummary     `json:"pbsTaskSummary"`
	ConnectionHealth map[string]bool `json:"connectionHealth"`
	LastUpdate       time.Time       `json:"lastUpdate"`
	Stats            Stats           `json:"stats"`
}

// Node represents a PVE cluster node after deduplication and merging.
type Node struct {
	ID               string    `json:"id"`
	Name             string    `json:"name"`
	DisplayName      string    `json:"displayName"`
	Instance         string    `json:"instance"`
	Host             string    `json:"host"` // Full host URL from config
	Status           string    `json:"status"`
	Type             string    `json:"type"`
	CPU              float64   `json:"cpu"`
	Memory           Memory    `json:"memory"`
	Disk             Disk      `json:"disk"`
	Uptime           int64     `json:"uptime"`
	LoadAverage      []float64 `json:"loadAverage"`
	KernelVersion    string    `json:"kernelVersion"`
	PVEVersion       string    `json:"pveVersion"`
	CPUInfo          CPUInfo   `json:"cpuInfo"`
	LastSeen         time.Time `json:"lastSeen"`
	ConnectionHealth string    `json:"connectionHealth"`
	IsClusterMember  bool      `json:"isClusterMember"`
	ClusterName      string    `json:"clusterName"` // Empty if standalone

	// PossibleTransition marks a node reported offline by one endpoint
	// while another endpoint still saw it online this cycle.
	PossibleTransition bool `json:"_possibleTransition,omitempty"`
	// FromCache marks data served from the last-known-good cache
	// because every endpoint failed within the last minute.
	FromCache bool `json:"_fromCache,omitempty"`
}

// VM represents a virtual machine.
type VM struct {
	ID         string    `json:"id"` // "{instance}-{node}-{vmid}"
	VMID       int       `json:"vmid"`
	Name       string    `json:"name"`
	Node       string    `json:"node"`
	Instance   string    `json:"instance"`
	Status     string    `json:"status"`
	Type       string    `json:"type"`
	CPU        float64   `json:"cpu"`
	CPUs       int       `json:"cpus"`
	Memory     Memory    `json:"memory"`
	Disk       Disk      `json:"disk"`
	NetworkIn  int64     `json:"networkIn"`
	NetworkOut int64     `json:"networkOut"`
	DiskRead   int64     `json:"diskRead"`
	DiskWrite  int64     `json:"diskWrite"`
	Uptime     int64     `json:"uptime"`
	Template   bool      `json:"template"`
	LastBackup time.Time `json:"lastBackup,omitempty"`
	Tags       []string  `json:"tags,omitempty"`
	Lock       string    `json:"lock,omitempty"`
	LastSeen   time.Time `json:"lastSeen"`
}

// Container represents an LXC container.
type Container struct {
	ID         string    `json:"id"`
	VMID       int       `json:"vmid"`
	Name       string    `json:"name"`
	Node       string    `json:"node"`
	Instance   string    `json:"instance"`
	Status     string    `json:"status"`
	Type       string    `json:"type"`
	CPU        float64   `json:"cpu"`
	CPUs       int       `json:"cpus"`
	Memory     Memory    `json:"memory"`
	Disk       Disk      `json:"disk"`
	NetworkIn  int64     `json:"networkIn"`
	NetworkOut int64     `json:"networkOut"`
	DiskRead   int64     `json:"diskRead"`
	DiskWrite  int64     `json:"diskWrite"`
	Uptime     int64     `json:"uptime"`
	Template   bool      `json:"template"`
	LastBackup time.Time `json:"lastBackup,omitempty"`
	Tags       []string  `json:"tags,omitempty"`
	Lock       string    `json:"lock,omitempty"`
	LastSeen   time.Time `json:"lastSeen"`
}

// Storage represents a storage resource.
type Storage struct {
	ID       string  `json:"id"`
	Name     string  `json:"name"`
	Node     string  `json:"node"`
	Instance string  `json:"instance"`
	Type     string  `json:"type"`
	Status   string  `json:"status"`
	Total    int64   `json:"total"`
	Used     int64   `json:"used"`
	Free     int64   `json:"free"`
	Usage    float64 `json:"usage"`
	Content  string  `json:"content"`
	Shared   bool    `json:"shared"`
	Enabled  bool    `json:"enabled"`
	Active   bool    `json:"active"`
}

// PBSInstance represents a Proxmox Backup Server instance with everything
// discovered from it in one cycle.
type PBSInstance struct {
	ID               string                  `json:"id"`
	Name             string                  `json:"name"`
	Host             string                  `json:"host"`
	Status           string                  `json:"status"`
	Version          string                  `json:"version"`
	NodeName         string                  `json:"nodeName,omitempty"`
	Subscription     string                  `json:"subscription,omitempty"`
	Datastores       []PBSDatastore          `json:"datastores"`
	Backups          []PBSBackup             `json:"backups"`
	BackupRuns       []BackupRun             `json:"backupRuns"`
	Tasks            []Task                  `json:"tasks"`
	Diagnostics      VerificationDiagnostics `json:"verificationDiagnostics"`
	ConnectionHealth string                  `json:"connectionHealth"`
	ConnectionError  string                  `json:"connectionError,omitempty"`
	LastSeen         time.Time               `json:"lastSeen"`
}

// PBSDatastore represents a PBS datastore with its discovered namespaces.
type PBSDatastore struct {
	Name                string         `json:"name"`
	Total               int64          `json:"total"`
	Used                int64          `json:"used"`
	Free                int64          `json:"free"`
	Usage               float64        `json:"usage"`
	Status              string         `json:"status"`
	Error               string         `json:"error,omitempty"`
	Namespaces          []PBSNamespace `json:"namespaces,omitempty"`
	NamespacesCapped    bool           `json:"namespacesCapped,omitempty"`
	DeduplicationFactor float64        `json:"deduplicationFactor,omitempty"`
}

// PBSNamespace represents one namespace discovered in a datastore.
type PBSNamespace struct {
	Path   string `json:"path"`
	Parent string `json:"parent,omitempty"`
	Depth  int    `json:"depth"`
}

// PBSBackup represents a backup snapshot stored on PBS.
type PBSBackup struct {
	ID         string    `json:"id"` // "{instance}-{datastore}-{namespace}-{type}-{vmid}-{time}"
	Instance   string    `json:"instance"`
	Datastore  string    `json:"datastore"`
	Namespace  string    `json:"namespace"`
	BackupType string    `json:"backupType"` // "vm" or "ct"
	VMID       string    `json:"vmid"`
	BackupTime time.Time `json:"backupTime"`
	Size       int64     `json:"size"`
	Protected  bool      `json:"protected"`
	Verified   bool      `json:"verified"`
	Comment    string    `json:"comment,omitempty"`
	Owner      string    `json:"owner,omitempty"`
}

// BackupRun is a reconstructed backup job execution. PBS stores snapshots,
// not runs, so runs are synthesized by grouping snapshots per UTC day and
// guest, then enhanced with matching task records.
type BackupRun struct {
	ID            string        `json:"id"` // "{day}:{datastore}:{namespace}:{type}:{backupId}"
	Instance      string        `json:"instance"`
	Datastore     string        `json:"datastore"`
	Namespace     string        `json:"namespace"`
	BackupType    string        `json:"backupType"`
	BackupID      string        `json:"backupId"`
	Day           string        `json:"day"` // YYYY-MM-DD in UTC
	Status        string        `json:"status"` // "completed", "failed" or "unknown"
	SnapshotCount int           `json:"snapshotCount"`
	TotalSize     int64         `json:"totalSize"`
	LastTime      time.Time     `json:"lastTime"`
	StartTime     time.Time     `json:"startTime,omitempty"`
	EndTime       time.Time     `json:"endTime,omitempty"`
	Duration      time.Duration `json:"duration,omitempty"`
	UPID          string        `json:"upid,omitempty"`
	User          string        `json:"user,omitempty"`
	Error         string        `json:"error,omitempty"`
	// ExitStatus carries the matched task's exit status verbatim ("OK",
	// "WARNINGS: n" or the failure text); PBS tasks report no separate
	// numeric exit code.
	ExitStatus string `json:"exitStatus,omitempty"`
	// Enhanced is set when a real admin task supplied exact timing and
	// outcome for this snapshot-derived run.
	Enhanced bool `json:"enhancedWithRealTask,omitempty"`
}

// VerificationDiagnostics summarizes backup verification health for an
// entire PBS instance.
type VerificationDiagnostics struct {
	TotalSnapshots     int                    `json:"totalSnapshots"`
	VerifiedCount      int                    `json:"verifiedCount"`
	FailedCount        int                    `json:"failedCount"`
	UnverifiedCount    int                    `json:"unverifiedCount"`
	VerifiedRatio      float64                `json:"verifiedRatio"`
	FailedRatio        float64                `json:"failedRatio"`
	Health             string                 `json:"health"` // excellent, good, fair, poor
	Datastores         []DatastoreDiagnostics `json:"datastores,omitempty"`
	OrphanedVerifyJobs []string               `json:"orphanedVerifyJobs,omitempty"`
	Recommendations    []Recommendation       `json:"recommendations,omitempty"`
}

// Recommendation is one actionable finding from verification analysis.
type Recommendation struct {
	Priority string `json:"priority"` // "high" or "info"
	Message  string `json:"message"`
}

// DatastoreDiagnostics is the per-datastore breakdown inside
// VerificationDiagnostics.
type DatastoreDiagnostics struct {
	Datastore       string    `json:"datastore"`
	TotalSnapshots  int       `json:"totalSnapshots"`
	VerifiedCount   int       `json:"verifiedCount"`
	FailedCount     int       `json:"failedCount"`
	UnverifiedCount int       `json:"unverifiedCount"`
	VerifiedRatio   float64   `json:"verifiedRatio"`
	FailedRatio     float64   `json:"failedRatio"`
	Health          string    `json:"health"`
	VerifyJobCount  int       `json:"verifyJobCount"`
	LastVerify      time.Time `json:"lastVerify,omitempty"`
}

// Memory represents memory usage.
type Memory struct {
	Total     int64   `json:"total"`
	Used      int64   `json:"used"`
	Free      int64   `json:"free"`
	Usage     float64 `json:"usage"`
	Balloon   int64   `json:"balloon,omitempty"`
	SwapUsed  int64   `json:"swapUsed,omitempty"`
	SwapTotal int64   `json:"swapTotal,omitempty"`
}

// Disk represents disk usage.
type Disk struct {
	Total int64   `json:"total"`
	Used  int64   `json:"used"`
	Free  int64   `json:"free"`
	Usage float64 `json:"usage"`
}

// CPUInfo represents CPU information.
type CPUInfo struct {
	Model   string `json:"model"`
	Cores   int    `json:"cores"`
	Sockets int    `json:"sockets"`
	MHz     string `json:"mhz"`
}

// PVEBackups groups everything backup-related discovered on the PVE side.
type PVEBackups struct {
	BackupTasks    []BackupTask    `json:"backupTasks"`
	StorageBackups []StorageBackup `json:"storageBackups"`
	GuestSnapshots []GuestSnapshot `json:"guestSnapshots"`
}

// BackupTask represents a PVE vzdump task.
type BackupTask struct {
	ID        string    `json:"id"`
	Node      string    `json:"node"`
	Type      string    `json:"type"`
	VMID      int       `json:"vmid"`
	Status    string    `json:"status"`
	StartTime time.Time `json:"startTime"`
	EndTime   time.Time `json:"endTime,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// StorageBackup represents a backup volume on PVE storage.
type StorageBackup struct {
	ID        string    `json:"id"`
	Storage   string    `json:"storage"`
	Node      string    `json:"node"`
	Instance  string    `json:"instance"`
	Type      string    `json:"type"`
	VMID      int       `json:"vmid"`
	Time      time.Time `json:"time"`
	CTime     int64     `json:"ctime"`
	Size      int64     `json:"size"`
	Format    string    `json:"format"`
	Notes     string    `json:"notes,omitempty"`
	Protected bool      `json:"protected"`
	Volid     string    `json:"volid"`
	IsPBS     bool      `json:"isPBS"`
	Verified  bool      `json:"verified"`
}

// GuestSnapshot represents a VM/CT snapshot.
type GuestSnapshot struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Node        string    `json:"node"`
	Instance    string    `json:"instance"`
	Type        string    `json:"type"`
	VMID        int       `json:"vmid"`
	Time        time.Time `json:"time"`
	Description string    `json:"description,omitempty"`
	Parent      string    `json:"parent,omitempty"`
	VMState     bool      `json:"vmstate"`
}

// Task is a PBS server task in cluster-wide task views.
type Task struct {
	UPID      string    `json:"upid"`
	Instance  string    `json:"instance"`
	Node      string    `json:"node"`
	Type      string    `json:"type"`
	ID        string    `json:"id,omitempty"`
	User      string    `json:"user"`
	Status    string    `json:"status,omitempty"`
	StartTime time.Time `json:"startTime"`
	EndTime   time.Time `json:"endTime,omitempty"`
}

// TaskSummary aggregates task outcomes across every PBS instance.
type TaskSummary struct {
	Total   int       `json:"total"`
	OK      int       `json:"ok"`
	Failed  int       `json:"failed"`
	Running int       `json:"running"`
	LastRun time.Time `json:"lastRun,omitempty"`
}

// Metric is one live-metrics sample for a running guest.
type Metric struct {
	Timestamp time.Time              `json:"timestamp"`
	Type      string                 `json:"type"` // "qemu" or "lxc"
	ID        string                 `json:"id"`
	Values    map[string]interface{} `json:"values"`
}

// Stats represents runtime statistics for a discovery cycle.
type Stats struct {
	StartTime      time.Time     `json:"startTime"`
	Duration       time.Duration `json:"duration"`
	EndpointsTotal int           `json:"endpointsTotal"`
	EndpointsUp    int           `json:"endpointsUp"`
	Version        string        `json:"version"`
}
