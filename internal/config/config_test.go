package config_test

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/palmkit/palmd/internal/config"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "palmd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := config.Load(writeConfig(t, `
broker:
  inbound_address: tcp://127.0.0.1:7001
  outbound_address: tcp://127.0.0.1:7002
inbound:
  - name: gateway
    listen_address: tcp://127.0.0.1:7003
    route: upper
    block: true
    palm: true
outbound:
  - name: upper
`))
	require.NoError(t, err)

	assert.Equal(t, "broker", cfg.Broker.Name)
	assert.Equal(t, math.MaxInt, cfg.Broker.MaxMessages)

	require.Len(t, cfg.Inbound, 1)
	gw := cfg.Inbound[0]
	assert.Equal(t, "tcp://127.0.0.1:7001", gw.BrokerAddress)
	assert.Equal(t, math.MaxInt, gw.MaxMessages)
	assert.True(t, gw.Block)
	assert.True(t, gw.PALM)

	require.Len(t, cfg.Outbound, 1)
	assert.Equal(t, "tcp://127.0.0.1:7002", cfg.Outbound[0].BrokerAddress)
}

func TestLoadScatterDefaults(t *testing.T) {
	cfg, err := config.Load(writeConfig(t, `
broker:
  inbound_address: tcp://127.0.0.1:7001
  outbound_address: tcp://127.0.0.1:7002
scatter:
  - name: fanout
    push_address: tcp://127.0.0.1:7010
    pull_address: tcp://127.0.0.1:7011
`))
	require.NoError(t, err)
	require.Len(t, cfg.Scatter, 1)
	assert.Equal(t, "tcp://127.0.0.1:7002", cfg.Scatter[0].BrokerAddress)
}

func TestLoadRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"missing listen address": `
broker:
  inbound_address: tcp://127.0.0.1:7001
  outbound_address: tcp://127.0.0.1:7002
inbound:
  - name: gateway
`,
		"duplicate names": `
broker:
  inbound_address: tcp://127.0.0.1:7001
  outbound_address: tcp://127.0.0.1:7002
inbound:
  - name: same
    listen_address: tcp://127.0.0.1:7003
outbound:
  - name: same
`,
		"negative max messages": `
broker:
  inbound_address: tcp://127.0.0.1:7001
  outbound_address: tcp://127.0.0.1:7002
  max_messages: -4
`,
		"nameless outbound": `
broker:
  inbound_address: tcp://127.0.0.1:7001
  outbound_address: tcp://127.0.0.1:7002
outbound:
  - log: worker
`,
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := config.Load(writeConfig(t, content))
			assert.Error(t, err)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
