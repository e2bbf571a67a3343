package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"git.gammaspectra.live/P2Pool/kaspa-miner/devfund"
	"git.gammaspectra.live/P2Pool/kaspa-miner/nonce"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testAddress = "kaspa:qqkrl0er5ka5snd55gr9rcf6rlpx8nln8gf3jxf83w4dc0khfqmauy6qs83zm"

func load(t *testing.T, args ...string) (*Config, error) {
	t.Helper()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	Flags(fs)
	require.NoError(t, fs.Parse(args))
	return Load(fs)
}

func TestDefaults(t *testing.T) {
	t.Parallel()

	c, err := load(t, "-a", testAddress)
	require.NoError(t, err)

	assert.Equal(t, testAddress, c.MiningAddress)
	assert.Equal(t, "127.0.0.1:16110", c.NodeAddresses())
	assert.Equal(t, []string{"cpu"}, c.Backends)
	assert.Equal(t, 1.0, c.Workload)
	assert.Equal(t, 1, c.Lanes)
	assert.Equal(t, time.Second, c.PollInterval)
	assert.Equal(t, 30*time.Second, c.RetireWindow)
	assert.Equal(t, nonce.WorkloadRatio, c.WorkloadMode())

	mode, err := c.NonceMode()
	require.NoError(t, err)
	assert.Equal(t, nonce.ModeLean, mode)

	policy, err := c.Devfund()
	require.NoError(t, err)
	assert.Equal(t, devfund.DefaultAddress, policy.Address)
	assert.Equal(t, uint16(devfund.MinimumPercent), policy.Percent)
	assert.True(t, policy.Enabled())
}

func TestNodeAddresses(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		args     []string
		expected string
	}{
		{"testnet", []string{"--testnet"}, "127.0.0.1:16211"},
		{"port", []string{"-p", "1234"}, "127.0.0.1:1234"},
		{"explicit port kept", []string{"-s", "10.0.0.1:5000", "--testnet"}, "10.0.0.1:5000"},
		{"fallback list", []string{"-s", "node1, node2:17000"}, "node1:16110,node2:17000"},
		{"scheme", []string{"-s", "http://node1"}, "http://node1:16110"},
		{"ipv6", []string{"-s", "[::1]"}, "[::1]:16110"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c, err := load(t, append([]string{"-a", testAddress}, tt.args...)...)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, c.NodeAddresses())
		})
	}
}

func TestInvalid(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		args  []string
		field string
	}{
		{"no address", nil, "MiningAddress"},
		{"bare address", []string{"-a", "qqkrl0er5ka5"}, "MiningAddress"},
		{"nonce gen", []string{"-a", testAddress, "--nonce-gen", "random"}, "NonceGen"},
		{"devfund", []string{"-a", testAddress, "--devfund-percent", "100"}, "DevfundPercent"},
		{"threads", []string{"-a", testAddress, "--threads=-1"}, "Threads"},
		{"lanes", []string{"-a", testAddress, "--lanes=-2"}, "Lanes"},
		{"workload", []string{"-a", testAddress, "--workload", "0"}, "Workload"},
		{"stats listen", []string{"-a", testAddress, "--stats-listen", "nowhere"}, "StatsListen"},
		{"backend", []string{"-a", testAddress, "--backends", "CUDA"}, "Backends"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := load(t, tt.args...)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.field)
		})
	}
}

func TestDevfundOtherNetwork(t *testing.T) {
	t.Parallel()

	c, err := load(t, "-a", "kaspatest:qqkrl0er5ka5snd55gr9rcf6rlpx8nln8gf3jxf83w4dc0khfqmauy6qs83zm", "--devfund-percent", "5.5")
	require.NoError(t, err)

	policy, err := c.Devfund()
	require.NoError(t, err)
	assert.False(t, policy.Enabled())
}

func TestConfigFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "miner.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
mining-address: `+testAddress+`
nonce-gen: xoshiro
workload: 4096
workload-absolute: true
threads: 2
backends: [cpu, cuda]
retire-window: 1m
`), 0o600))

	c, err := load(t, "--config", path, "-t", "3")
	require.NoError(t, err)

	assert.Equal(t, testAddress, c.MiningAddress)
	assert.Equal(t, "xoshiro", c.NonceGen)
	assert.Equal(t, 4096.0, c.Workload)
	assert.Equal(t, nonce.WorkloadAbsolute, c.WorkloadMode())
	assert.Equal(t, []string{"cpu", "cuda"}, c.Backends)
	assert.Equal(t, time.Minute, c.RetireWindow)
	// flags take precedence over the file
	assert.Equal(t, 3, c.Threads)

	_, err = load(t, "--config", filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestEnvironment(t *testing.T) {
	t.Setenv("MINER_MINING_ADDRESS", testAddress)
	t.Setenv("MINER_THREADS", "6")
	t.Setenv("MINER_MINE_WHEN_NOT_SYNCED", "true")

	c, err := load(t)
	require.NoError(t, err)
	assert.Equal(t, testAddress, c.MiningAddress)
	assert.Equal(t, 6, c.Threads)
	assert.True(t, c.MineWhenNotSynced)
}
