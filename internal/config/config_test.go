package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadIndexedInstances(t *testing.T) {
	t.Setenv("PULSE_DATA_DIR", t.TempDir())
	t.Setenv("PVE_HOST_1", "https://pve1.lan:8006")
	t.Setenv("PVE_NAME_1", "homelab")
	t.Setenv("PVE_TOKEN_NAME_1", "monitor@pam!collector")
	t.Setenv("PVE_TOKEN_VALUE_1", "secret")
	t.Setenv("PVE_HOST_2", "https://pve2.lan:8006")
	t.Setenv("PVE_USER_2", "root@pam")
	t.Setenv("PVE_PASSWORD_2", "hunter2")
	t.Setenv("PBS_HOST_1", "https://pbs.lan:8007")
	t.Setenv("PBS_TOKEN_NAME_1", "monitor@pbs!collector")
	t.Setenv("PBS_TOKEN_VALUE_1", "secret")
	t.Setenv("PBS_NAMESPACE_EXCLUDE_1", "tmp/*, scratch")

	cfg, err := Load()
	require.NoError(t, err)

	require.Len(t, cfg.PVEInstances, 2)
	assert.Equal(t, "homelab", cfg.PVEInstances[0].Name)
	assert.Equal(t, "https://pve1.lan:8006", cfg.PVEInstances[0].Host)
	assert.Equal(t, "pve-2", cfg.PVEInstances[1].Name)
	assert.Equal(t, "root@pam", cfg.PVEInstances[1].User)

	require.Len(t, cfg.PBSInstances, 1)
	assert.True(t, cfg.PBSInstances[0].NamespaceAuto)
	assert.Equal(t, []string{"tmp/*", "scratch"}, cfg.PBSInstances[0].NamespaceExclude)
}

func TestLoadUnindexedFallback(t *testing.T) {
	t.Setenv("PULSE_DATA_DIR", t.TempDir())
	t.Setenv("PVE_HOST", "https://pve.lan:8006")
	t.Setenv("PVE_TOKEN_NAME", "monitor@pam!collector")
	t.Setenv("PVE_TOKEN_VALUE", "secret")

	cfg, err := Load()
	require.NoError(t, err)
	require.Len(t, cfg.PVEInstances, 1)
	assert.Equal(t, "https://pve.lan:8006", cfg.PVEInstances[0].Host)
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("PULSE_DATA_DIR", t.TempDir())
	t.Setenv("PVE_HOST_1", "https://pve.lan:8006")
	t.Setenv("PVE_TOKEN_NAME_1", "monitor@pam!collector")
	t.Setenv("PVE_TOKEN_VALUE_1", "secret")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 365, cfg.BackupHistoryDays)
	assert.Equal(t, 5*time.Minute, cfg.DiscoveryInterval)
	assert.Equal(t, 10*time.Second, cfg.MetricsInterval)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, ":9091", cfg.MetricsListen)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("PULSE_DATA_DIR", t.TempDir())
	t.Setenv("PVE_HOST_1", "https://pve.lan:8006")
	t.Setenv("PVE_TOKEN_NAME_1", "monitor@pam!collector")
	t.Setenv("PVE_TOKEN_VALUE_1", "secret")
	t.Setenv("BACKUP_HISTORY_DAYS", "30")
	t.Setenv("DISCOVERY_INTERVAL", "10m")
	t.Setenv("METRICS_INTERVAL", "30")
	t.Setenv("METRICS_LISTEN", "")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 30, cfg.BackupHistoryDays)
	assert.Equal(t, 10*time.Minute, cfg.DiscoveryInterval)
	assert.Equal(t, 30*time.Second, cfg.MetricsInterval)
	assert.Empty(t, cfg.MetricsListen)
}

func TestLoadInvalidValuesFallBack(t *testing.T) {
	t.Setenv("PULSE_DATA_DIR", t.TempDir())
	t.Setenv("PVE_HOST_1", "https://pve.lan:8006")
	t.Setenv("PVE_TOKEN_NAME_1", "monitor@pam!collector")
	t.Setenv("PVE_TOKEN_VALUE_1", "secret")
	t.Setenv("BACKUP_HISTORY_DAYS", "-10")
	t.Setenv("DISCOVERY_INTERVAL", "soon")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 365, cfg.BackupHistoryDays)
	assert.Equal(t, 5*time.Minute, cfg.DiscoveryInterval)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr string
	}{
		{
			name:    "no instances",
			cfg:     Config{},
			wantErr: "no PVE or PBS instances",
		},
		{
			name: "missing credentials",
			cfg: Config{
				PVEInstances: []PVEInstance{{Name: "a", Host: "https://a:8006"}},
			},
			wantErr: "need either token credentials or user+password",
		},
		{
			name: "duplicate names",
			cfg: Config{
				PVEInstances: []PVEInstance{
					{Name: "a", Host: "https://a:8006", TokenName: "t", TokenValue: "v"},
					{Name: "a", Host: "https://b:8006", TokenName: "t", TokenValue: "v"},
				},
			},
			wantErr: "duplicate PVE instance name",
		},
		{
			name: "valid",
			cfg: Config{
				PBSInstances: []PBSInstance{
					{Name: "pbs", Host: "https://pbs:8007", User: "root@pam", Password: "x"},
				},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}
