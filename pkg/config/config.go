// Package config loads and defaults the Manager launch configuration
// (spec.md §6).
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// InitialFleetSize computes the seed-time worker count of spec.md §6:
// ceil(itemCount / vcpusPerNode) * hyperthreadConst + 1.
func (c Config) InitialFleetSize(itemCount int) int {
	if c.VCPUsPerNode <= 0 || itemCount <= 0 {
		return c.HyperthreadConst() + 1
	}
	nodes := (itemCount + c.VCPUsPerNode - 1) / c.VCPUsPerNode
	return nodes*c.HyperthreadConst() + 1
}

// Config holds the options recognized at Manager launch.
type Config struct {
	InstanceType       string `yaml:"instanceType"`
	WorkerInstanceType string `yaml:"workerInstanceType"`

	// WorkerLaunchTemplateID/WorkerLaunchTemplateVersion identify the
	// pre-built EC2 launch template (AMI + boot script) workers launch
	// from. Launch-template/base-image preparation itself is an external
	// collaborator (spec.md §6 Non-goals); this driver only references it
	// by id when asking CF to launch.
	WorkerLaunchTemplateID      string `yaml:"workerLaunchTemplateId"`
	WorkerLaunchTemplateVersion string `yaml:"workerLaunchTemplateVersion"`

	// EntryPointDir, if set, is a local directory containing the user
	// entry-point executable and any supporting files; Seed uploads it to
	// OS under script/ so a worker lacking it locally can fetch it on
	// boot (pkg/userdata.UploadEntryPoint/DownloadScriptDir).
	EntryPointDir string `yaml:"entryPointDir"`

	// VCPUsPerNode drives initial fleet sizing. If zero, the Manager
	// resolves it from the AWS Pricing API (see pkg/fleet/pricing.go).
	VCPUsPerNode int `yaml:"vcpusPerNode"`

	Hyperthreading bool `yaml:"hyperthreading"`

	StallThresholdSec int `yaml:"stallThresholdSec"`
	TickSec           int `yaml:"tickSec"`
	HeartbeatSec      int `yaml:"heartbeatSec"`
	QuiescenceCPUPct  int `yaml:"quiescenceCpuPct"`

	CoordinationEndpoint string `yaml:"coordinationEndpoint"`
	CoordinationPort     int    `yaml:"coordinationPort"`

	Bucket     string `yaml:"bucket"`
	EntryPoint string `yaml:"entryPoint"`
}

// Defaults matches spec.md §6's stated defaults.
func Defaults() Config {
	return Config{
		StallThresholdSec: 240,
		TickSec:           30,
		HeartbeatSec:      15,
		QuiescenceCPUPct:  25,
		CoordinationPort:  6379,
		Hyperthreading:    true,
	}
}

// HyperthreadConst resolves the single normalized field the protocol uses
// for fleet-sizing arithmetic (Design Note / Open Question 3: the source
// had two spellings for this, hyperthread_cost and hyperthread_const; this
// repo keeps exactly one).
//
//	hyperthreading=true  -> 1 (count hyperthreads as cores)
//	hyperthreading=false -> 2 (treat pairs as one core)
func (c Config) HyperthreadConst() int {
	if c.Hyperthreading {
		return 1
	}
	return 2
}

func (c Config) StallThreshold() time.Duration {
	return time.Duration(c.StallThresholdSec) * time.Second
}

func (c Config) Tick() time.Duration {
	return time.Duration(c.TickSec) * time.Second
}

func (c Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatSec) * time.Second
}

// Load reads a YAML config file and applies it over Defaults().
func Load(path string) (Config, error) {
	cfg := Defaults()

	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}

	return cfg, cfg.Validate()
}

// Validate checks the fields required to launch a run.
func (c Config) Validate() error {
	if c.WorkerInstanceType == "" {
		return fmt.Errorf("config: workerInstanceType is required")
	}
	if c.Bucket == "" {
		return fmt.Errorf("config: bucket is required")
	}
	if c.EntryPoint == "" {
		return fmt.Errorf("config: entryPoint is required")
	}
	if c.CoordinationEndpoint == "" {
		return fmt.Errorf("config: coordinationEndpoint is required")
	}
	return nil
}
