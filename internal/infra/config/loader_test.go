package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mcpbridge/internal/domain"
)

const minimalConfig = `
indexPath: /etc/mcpbridge/index.json
`

const fullConfig = `
indexPath: /etc/mcpbridge/index.json
storePath: /var/lib/mcpbridge/index.db
requestTimeoutSeconds: 15
leaseTimeoutSeconds: 5
historySize: 64
api:
  listenAddress: 127.0.0.1:9000
observability:
  listenAddress: 0.0.0.0:9100
  metrics: true
  healthz: false
pool:
  maxPerServer: 8
  minPerServer: 2
  idleSeconds: 120
  reapIntervalSeconds: 10
cache:
  ttlSeconds: 30
  maxEntries: 500
  cleanupSeconds: 20
retry:
  maxAttempts: 4
  baseDelayMillis: 50
  backoffMultiplier: 1.5
  jitterRatio: 0.1
matcher:
  minScore: 2
servers:
  - id: docs-server
    address: http://docs.internal:8080/rpc
    credential: ${DOCS_TOKEN}
    headers:
      X-Tenant: acme
  - id: mail-server
    address: http://mail.internal:8080/rpc
`

func TestParse_Defaults(t *testing.T) {
	loader := NewLoader(nil)
	cfg, err := loader.Parse([]byte(minimalConfig))
	require.NoError(t, err)

	assert.Equal(t, "/etc/mcpbridge/index.json", cfg.IndexPath)
	assert.Equal(t, domain.DefaultRequestTimeoutSeconds, cfg.RequestTimeoutSeconds)
	assert.Equal(t, domain.DefaultAPIListenAddress, cfg.API.ListenAddress)
	assert.True(t, cfg.Observability.Metrics)
	assert.Equal(t, domain.DefaultMaxConnsPerServer, cfg.Pool.MaxPerServer)
	assert.Equal(t, domain.DefaultCacheTTLSeconds, cfg.Cache.TTLSeconds)
	assert.Equal(t, domain.DefaultMaxAttempts, cfg.Retry.MaxAttempts)
	assert.Equal(t, domain.DefaultMinMatchScore, cfg.Matcher.MinScore)
	assert.Empty(t, cfg.ServerIDs())
}

func TestParse_FullConfig(t *testing.T) {
	t.Setenv("DOCS_TOKEN", "sekrit")

	loader := NewLoader(nil)
	cfg, err := loader.Parse([]byte(fullConfig))
	require.NoError(t, err)

	assert.Equal(t, 15, cfg.RequestTimeoutSeconds)
	assert.Equal(t, 15*time.Second, cfg.RequestTimeout())
	assert.Equal(t, 5*time.Second, cfg.LeaseTimeout())
	assert.Equal(t, 8, cfg.Pool.MaxPerServer)
	assert.Equal(t, 2, cfg.Pool.MinPerServer)
	assert.False(t, cfg.Observability.Healthz)
	assert.Equal(t, 1.5, cfg.Retry.BackoffMultiplier)
	assert.ElementsMatch(t, []string{"docs-server", "mail-server"}, cfg.ServerIDs())

	server, err := cfg.ServerConfig("docs-server")
	require.NoError(t, err)
	assert.Equal(t, "http://docs.internal:8080/rpc", server.Address)
	assert.Equal(t, "sekrit", server.Credential, "credentials must expand from the environment")

	tenant := ""
	for key, value := range server.Headers {
		if strings.EqualFold(key, "X-Tenant") {
			tenant = value
		}
	}
	assert.Equal(t, "acme", tenant)
}

func TestServerConfig_UnknownID(t *testing.T) {
	loader := NewLoader(nil)
	cfg, err := loader.Parse([]byte(minimalConfig))
	require.NoError(t, err)

	_, err = cfg.ServerConfig("ghost")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrServerNotFound)
}

func TestParse_Rejects(t *testing.T) {
	cases := []struct {
		name   string
		source string
	}{
		{"missing indexPath", `historySize: 10`},
		{"zero maxPerServer", "indexPath: /x\npool:\n  maxPerServer: 0\n"},
		{"min above max", "indexPath: /x\npool:\n  maxPerServer: 2\n  minPerServer: 3\n"},
		{"zero maxAttempts", "indexPath: /x\nretry:\n  maxAttempts: 0\n"},
		{"server missing id", "indexPath: /x\nservers:\n  - address: http://a\n"},
		{"server missing address", "indexPath: /x\nservers:\n  - id: a\n"},
		{"duplicate server id", "indexPath: /x\nservers:\n  - id: a\n    address: http://a\n  - id: a\n    address: http://b\n"},
		{"malformed yaml", `indexPath: [`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewLoader(nil).Parse([]byte(tc.source))
			require.Error(t, err)
		})
	}
}

func TestLoad_FromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bridge.yaml")
	require.NoError(t, os.WriteFile(path, []byte(minimalConfig), 0o644))

	cfg, err := NewLoader(nil).Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/etc/mcpbridge/index.json", cfg.IndexPath)

	_, err = NewLoader(nil).Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestRedacted_MasksCredentials(t *testing.T) {
	t.Setenv("DOCS_TOKEN", "sekrit")

	cfg, err := NewLoader(nil).Parse([]byte(fullConfig))
	require.NoError(t, err)

	redacted := cfg.Redacted()
	assert.NotContains(t, fmt.Sprintf("%v", redacted), "sekrit")

	servers, ok := redacted["servers"].([]map[string]any)
	require.True(t, ok)
	require.Len(t, servers, 2)
	for _, server := range servers {
		if server["id"] == "docs-server" {
			assert.Equal(t, "***", server["credential"])
		} else {
			assert.Equal(t, "", server["credential"])
		}
	}
}
