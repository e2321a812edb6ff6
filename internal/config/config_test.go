package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	shuffle "github.com/ironfang-ltd/go-shuffle"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "node.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "node-1", cfg.HostID)
	assert.Equal(t, ":7400", cfg.ListenAddr)
	assert.Equal(t, 256, cfg.Shuffle.ChunkSize)
	assert.Equal(t, time.Millisecond, cfg.Shuffle.IdleInterval)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoad_File(t *testing.T) {
	path := writeConfig(t, `
host_id: node-b
listen_addr: 127.0.0.1:7401
admin_addr: 127.0.0.1:9401
job: wordcount
peers:
  - id: node-a
    address: 127.0.0.1:7400
  - id: node-b
containers:
  - id: 1
    tasks: [7, 8]
shuffle:
  chunk_size: 64
  idle_interval: 5ms
log:
  level: debug
  format: text
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "node-b", cfg.HostID)
	assert.Equal(t, "wordcount", cfg.Job)
	require.Len(t, cfg.Peers, 2)
	assert.Equal(t, "127.0.0.1:7400", cfg.Peers[0].Address)
	require.Len(t, cfg.Containers, 1)
	assert.Equal(t, []int32{7, 8}, cfg.Containers[0].Tasks)
	assert.Equal(t, 64, cfg.Shuffle.ChunkSize)
	assert.Equal(t, 64<<10, cfg.Shuffle.ReceiveBufferSize, "unset keys keep defaults")
	assert.Equal(t, 5*time.Millisecond, cfg.Shuffle.IdleInterval)
	assert.Equal(t, "text", cfg.Log.Format)
	assert.Len(t, cfg.TaskOptions(), 4)
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("SHUFFLE_HOST_ID", "node-env")
	t.Setenv("SHUFFLE_LOG_LEVEL", "warn")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "node-env", cfg.HostID)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cases := map[string]func(*Config){
		"empty host":        func(c *Config) { c.HostID = " " },
		"empty job":         func(c *Config) { c.Job = "" },
		"bad level":         func(c *Config) { c.Log.Level = "loud" },
		"peer without id":   func(c *Config) { c.Peers = append(c.Peers, peer("", "x:1")) },
		"peer without addr": func(c *Config) { c.Peers = append(c.Peers, peer("node-9", "")) },
		"duplicate peer":    func(c *Config) { c.Peers = append(c.Peers, peer("p", "x:1"), peer("p", "x:2")) },
		"duplicate container": func(c *Config) {
			c.Containers = []ContainerConfig{{ID: 1}, {ID: 1}}
		},
		"zero chunk":   func(c *Config) { c.Shuffle.ChunkSize = 0 },
		"tiny buffer":  func(c *Config) { c.Shuffle.ReceiveBufferSize = 8 },
		"empty listen": func(c *Config) { c.ListenAddr = "" },
	}
	for name, mutate := range cases {
		cfg := Default()
		mutate(cfg)
		assert.Error(t, cfg.Validate(), name)
	}

	assert.NoError(t, Default().Validate())
}

func peer(id, addr string) shuffle.Peer {
	return shuffle.Peer{ID: id, Address: addr}
}
