package pbs

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := NewClient(ClientConfig{
		Host:       server.URL,
		User:       "monitor@pbs",
		TokenName:  "collector",
		TokenValue: "secret",
		VerifySSL:  true,
		Timeout:    5 * time.Second,
	})
	require.NoError(t, err)
	return client
}

func TestNewClientTokenParsing(t *testing.T) {
	tests := []struct {
		name      string
		cfg       ClientConfig
		wantUser  string
		wantRealm string
		wantErr   bool
	}{
		{
			name: "full token name",
			cfg: ClientConfig{
				Host:       "pbs.example.com:8007",
				TokenName:  "monitor@pbs!collector",
				TokenValue: "secret",
			},
			wantUser:  "monitor",
			wantRealm: "pbs",
		},
		{
			name: "separate user field",
			cfg: ClientConfig{
				Host:       "pbs.example.com:8007",
				User:       "root@pam",
				TokenName:  "collector",
				TokenValue: "secret",
			},
			wantUser:  "monitor", // overridden below
			wantRealm: "pam",
		},
		{
			name: "user without realm defaults to pbs",
			cfg: ClientConfig{
				Host:       "pbs.example.com:8007",
				User:       "monitor",
				TokenName:  "collector",
				TokenValue: "secret",
			},
			wantUser:  "monitor",
			wantRealm: "pbs",
		},
		{
			name: "token without user info",
			cfg: ClientConfig{
				Host:       "pbs.example.com:8007",
				TokenName:  "collector",
				TokenValue: "secret",
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, err := NewClient(tt.cfg)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			if tt.name == "separate user field" {
				assert.Equal(t, "root", client.auth.user)
			} else {
				assert.Equal(t, tt.wantUser, client.auth.user)
			}
			assert.Equal(t, tt.wantRealm, client.auth.realm)
		})
	}
}

func TestNewClientDefaultsToHTTPS(t *testing.T) {
	client, err := NewClient(ClientConfig{
		Host:       "pbs.example.com:8007",
		TokenName:  "monitor@pbs!collector",
		TokenValue: "secret",
	})
	require.NoError(t, err)
	assert.Equal(t, "https://pbs.example.com:8007/api2/json", client.baseURL)
}

func TestListBackupGroups(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api2/json/admin/datastore/main/groups", r.URL.Path)
		assert.Equal(t, "prod", r.URL.Query().Get("ns"))
		assert.Equal(t, "PBSAPIToken=monitor@pbs!collector:secret", r.Header.Get("Authorization"))

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"data":[
			{"backup-type":"vm","backup-id":"100","last-backup":1704067200,"backup-count":7},
			{"backup-type":"ct","backup-id":"101","last-backup":1704070800,"backup-count":3}
		]}`))
	})

	groups, err := client.ListBackupGroups(context.Background(), "main", "prod")
	require.NoError(t, err)
	require.Len(t, groups, 2)
	assert.Equal(t, "vm", groups[0].BackupType)
	assert.Equal(t, "100", groups[0].BackupID)
	assert.Equal(t, 7, groups[0].BackupCount)
}

func TestListSnapshotsVerificationFormats(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"data":[
			{"backup-type":"vm","backup-id":"100","backup-time":1704067200,"size":1024,
			 "verification":{"state":"ok","upid":"UPID:pbs:0000B0A1:000FE2C3:00000000:65932a80:verify:main:root@pam:"}},
			{"backup-type":"vm","backup-id":"100","backup-time":1703980800,"size":2048,
			 "verification":"failed"},
			{"backup-type":"ct","backup-id":"101","backup-time":1704067200,"size":512}
		]}`))
	})

	snaps, err := client.ListSnapshots(context.Background(), "main", "")
	require.NoError(t, err)
	require.Len(t, snaps, 3)

	require.NotNil(t, snaps[0].Verification)
	assert.Equal(t, "ok", snaps[0].Verification.State)
	assert.NotEmpty(t, snaps[0].Verification.UPID)

	require.NotNil(t, snaps[1].Verification)
	assert.Equal(t, "failed", snaps[1].Verification.State)
	assert.Empty(t, snaps[1].Verification.UPID)

	assert.Nil(t, snaps[2].Verification)
}

func TestListNamespaces(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api2/json/admin/datastore/main/namespace", r.URL.Path)
		assert.Equal(t, "prod", r.URL.Query().Get("parent"))
		assert.Equal(t, "1", r.URL.Query().Get("max-depth"))

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"data":[{"ns":"prod/db"},{"ns":"prod/web"}]}`))
	})

	namespaces, err := client.ListNamespaces(context.Background(), "main", "prod", 1)
	require.NoError(t, err)
	require.Len(t, namespaces, 2)
	assert.Equal(t, "prod/db", namespaces[0].NS)
}

func TestGetNodeTasks(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api2/json/nodes/pbs01/tasks", r.URL.Path)
		assert.Equal(t, "backup", r.URL.Query().Get("typefilter"))
		assert.Equal(t, "1703980800", r.URL.Query().Get("since"))

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"data":[
			{"upid":"UPID:pbs01:00001234:0001ABCD:00000000:65932a80:backup:main:root@pam:",
			 "node":"pbs01","worker_type":"backup","worker_id":"main:vm/100",
			 "user":"root@pam","status":"OK","starttime":1704067200,"endtime":1704067260}
		]}`))
	})

	tasks, err := client.GetNodeTasks(context.Background(), "pbs01", "backup", 1703980800)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "backup", tasks[0].WorkerType)
	assert.Equal(t, "OK", tasks[0].Status)
	assert.Equal(t, int64(1704067260), tasks[0].EndTime)
}

func TestGetDatastoreUsage(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api2/json/status/datastore-usage", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"data":[{"store":"main","total":1000,"used":400,"avail":600}]}`))
	})

	usage, err := client.GetDatastoreUsage(context.Background())
	require.NoError(t, err)
	require.Len(t, usage, 1)
	assert.Equal(t, "main", usage[0].Store)
	assert.Equal(t, int64(400), usage[0].Used)
}

func TestListVerifyJobs(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api2/json/config/verify", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"data":[{"id":"v-daily","store":"main","schedule":"daily","outdated-after":30}]}`))
	})

	jobs, err := client.ListVerifyJobs(context.Background())
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "v-daily", jobs[0].ID)
	assert.Equal(t, 30, jobs[0].OutdatedAfter)
}

func TestAuthenticationErrorWrapping(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"errors":"permission denied"}`, http.StatusForbidden)
	})

	_, err := client.ListVerifyJobs(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "authentication error")
	assert.Contains(t, err.Error(), "API error 403")
}

func TestHTMLResponseDetection(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(`<html><body>502 Bad Gateway</body></html>`))
	})

	_, err := client.GetDatastoreUsage(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HTML instead of JSON")
}
