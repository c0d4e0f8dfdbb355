package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	d := Defaults()
	assert.Equal(t, 240, d.StallThresholdSec)
	assert.Equal(t, 30, d.TickSec)
	assert.Equal(t, 15, d.HeartbeatSec)
	assert.Equal(t, 25, d.QuiescenceCPUPct)
	assert.Equal(t, 6379, d.CoordinationPort)
}

func TestHyperthreadConst(t *testing.T) {
	assert.Equal(t, 1, Config{Hyperthreading: true}.HyperthreadConst())
	assert.Equal(t, 2, Config{Hyperthreading: false}.HyperthreadConst())
}

func TestLoadAppliesOverDefaults(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "mcc.yaml")
	require.NoError(t, os.WriteFile(p, []byte(`
workerInstanceType: c5.xlarge
bucket: my-run-bucket
entryPoint: /opt/entrypoint.py
coordinationEndpoint: redis.internal
stallThresholdSec: 60
`), 0o644))

	cfg, err := Load(p)
	require.NoError(t, err)

	assert.Equal(t, "c5.xlarge", cfg.WorkerInstanceType)
	assert.Equal(t, 60, cfg.StallThresholdSec)
	// untouched defaults survive
	assert.Equal(t, 30, cfg.TickSec)
	assert.Equal(t, 6379, cfg.CoordinationPort)
}

func TestInitialFleetSize(t *testing.T) {
	cfg := Config{VCPUsPerNode: 4, Hyperthreading: true}
	assert.Equal(t, 4, cfg.InitialFleetSize(10)) // ceil(10/4)=3 nodes * 1 + 1

	cfg.Hyperthreading = false
	assert.Equal(t, 7, cfg.InitialFleetSize(10)) // 3 nodes * 2 + 1

	cfg.VCPUsPerNode = 0
	assert.Equal(t, cfg.HyperthreadConst()+1, cfg.InitialFleetSize(10))
}

func TestValidateRequiresFields(t *testing.T) {
	cfg := Defaults()
	require.Error(t, cfg.Validate())

	cfg.WorkerInstanceType = "t3.micro"
	cfg.Bucket = "b"
	cfg.EntryPoint = "/bin/entry"
	cfg.CoordinationEndpoint = "localhost"
	require.NoError(t, cfg.Validate())
}
