package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/koopa0/gblink/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefault(t *testing.T) {
	cfg := config.Default()

	require.NoError(t, cfg.Validate())
	assert.Equal(t, 10*time.Second, cfg.Link.ConnectTimeout)
	assert.Equal(t, 20, cfg.Auth.MaxUsers)
	assert.True(t, cfg.Auth.RequireCreateRoomAuth)
	assert.Equal(t, ":8080", cfg.HTTPAddr())
}

func TestLoad(t *testing.T) {
	tests := []struct {
		name     string
		content  string
		wantErr  string
		validate func(t *testing.T, cfg *config.Config)
	}{
		{
			name: "overrides keep other defaults",
			content: `
server:
  port: 9000
link:
  host: 127.0.0.1
  port: 7000
  inactivity_interval: 30s
auth:
  registration_key: secret
log:
  level: debug
  format: json
`,
			validate: func(t *testing.T, cfg *config.Config) {
				assert.Equal(t, 9000, cfg.Server.Port)
				assert.Equal(t, "127.0.0.1:7000", cfg.LinkAddr())
				assert.Equal(t, 30*time.Second, cfg.Link.InactivityInterval)
				assert.Equal(t, 10*time.Second, cfg.Link.ConnectTimeout)
				assert.Equal(t, "secret", cfg.Auth.RegistrationKey)
				assert.Equal(t, "json", cfg.Log.Format)
				assert.Equal(t, 256, cfg.Link.SendBuffer)
			},
		},
		{
			name: "invalid link port",
			content: `
link:
  port: 70000
`,
			wantErr: "link.port",
		},
		{
			name: "history without postgres",
			content: `
events:
  history: true
`,
			wantErr: "events.history",
		},
		{
			name:    "malformed yaml",
			content: "server: [",
			wantErr: "解析設定檔失敗",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := config.Load(writeConfig(t, tt.content))
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			tt.validate(t, cfg)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestPostgresDSN(t *testing.T) {
	cfg := config.Default()
	cfg.Postgres.Password = "pw"

	t.Setenv("DATABASE_URL", "")
	assert.Equal(t, "postgres://gblink:pw@localhost:5432/gblink?sslmode=disable", cfg.PostgresDSN())

	t.Setenv("DATABASE_URL", "postgres://override/db")
	assert.Equal(t, "postgres://override/db", cfg.PostgresDSN())
}
