// Copyright 2025 Nonvolatile Inc. d/b/a Confident Security
//
// Licensed under the Functional Source License, Version 1.1,
// ALv2 Future License, the terms and conditions of which are
// set forth in the "LICENSE" file included in the root directory
// of this code repository (the "License"); you may not use this
// file except in compliance with the License. You may obtain
// a copy of the License at
//
// https://fsl.software/FSL-1.1-ALv2.template.md
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config is the gateway's structured configuration: a YAML file
// overlaid with GW_-prefixed environment variables for secrets operators
// don't want sitting in a config file on disk.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level gateway configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	CloudAPI CloudAPIConfig `yaml:"cloud_api"`
	Timing   TimingConfig   `yaml:"timing"`
	Paths    PathsConfig    `yaml:"paths"`
}

// ServerConfig is where the gateway's own HTTP listener binds.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// CloudAPIConfig addresses the cloud collaborator.
type CloudAPIConfig struct {
	// BaseURL is unused by the GCE collaborator (the GCE client dials the
	// provider's own endpoints) but is kept for collaborators fronted by an
	// HTTP control plane instead.
	BaseURL string `yaml:"base_url"`
	// AuthToken authenticates to the cloud control plane. Left empty when
	// the GCE collaborator's ambient application-default credentials are
	// used instead.
	AuthToken string `yaml:"auth_token"`
	// CSRFToken is optional and collaborator-specific.
	CSRFToken string `yaml:"csrf_token"`
	// MachineNameFilter restricts fleet discovery to matching instance names.
	MachineNameFilter string `yaml:"machine_name_filter"`
	// Project and Zone locate the fleet within GCE.
	Project string `yaml:"project"`
	Zone    string `yaml:"zone"`
}

// TimingConfig holds every tunable duration in the scheduler.
type TimingConfig struct {
	ReservationMinutes         int `yaml:"reservation_minutes"`
	FallbackReservationMinutes int `yaml:"fallback_reservation_minutes"`
	StartupTimeoutSeconds      int `yaml:"startup_timeout_seconds"`
	OllamaReadinessWaitSeconds int `yaml:"ollama_readiness_wait_seconds"`
}

// PathsConfig holds filesystem paths the gateway reads at startup and on
// reload.
type PathsConfig struct {
	APIKeysFile string `yaml:"api_keys_file"`
}

// ReservationTTL returns the primary reservation TTL as a time.Duration.
func (t TimingConfig) ReservationTTL() time.Duration {
	return time.Duration(t.ReservationMinutes) * time.Minute
}

// FallbackReservationTTL returns the shorter fallback TTL. The gateway's
// reservation pipeline does not read it: every surface, passthrough
// included, reserves with ReservationTTL.
func (t TimingConfig) FallbackReservationTTL() time.Duration {
	return time.Duration(t.FallbackReservationMinutes) * time.Minute
}

// StartupTimeout bounds how long a resume is allowed to take.
func (t TimingConfig) StartupTimeout() time.Duration {
	return time.Duration(t.StartupTimeoutSeconds) * time.Second
}

// OllamaReadinessWait bounds how long the gateway waits for a freshly
// resumed worker's Ollama daemon to start accepting connections.
func (t TimingConfig) OllamaReadinessWait() time.Duration {
	return time.Duration(t.OllamaReadinessWaitSeconds) * time.Second
}

// DefaultConfig returns the scheduler design's stated defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		CloudAPI: CloudAPIConfig{},
		Timing: TimingConfig{
			ReservationMinutes:         10,
			FallbackReservationMinutes: 3,
			StartupTimeoutSeconds:      120,
			OllamaReadinessWaitSeconds: 10,
		},
		Paths: PathsConfig{
			APIKeysFile: "api_keys.json",
		},
	}
}

// Load reads path into cfg (which should start as DefaultConfig()), then
// overlays any GW_-prefixed environment variables recognized below. A
// missing file is not an error: operators may run entirely off
// environment variables and defaults.
func Load(path string, cfg *Config) error {
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return fmt.Errorf("failed to read config file %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(b, cfg); err != nil {
			return fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}
	overlayEnv(cfg)
	return nil
}

// overlayEnv applies GW_-prefixed environment variable overrides, for the
// handful of settings operators typically want to inject via environment
// rather than check into a config file (listen port, cloud auth token).
func overlayEnv(cfg *Config) {
	if v := os.Getenv("GW_SERVER_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("GW_SERVER_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = p
		}
	}
	if v := os.Getenv("GW_CLOUD_AUTH_TOKEN"); v != "" {
		cfg.CloudAPI.AuthToken = v
	}
	if v := os.Getenv("GW_CLOUD_PROJECT"); v != "" {
		cfg.CloudAPI.Project = v
	}
	if v := os.Getenv("GW_CLOUD_ZONE"); v != "" {
		cfg.CloudAPI.Zone = v
	}
	if v := os.Getenv("GW_API_KEYS_FILE"); v != "" {
		cfg.Paths.APIKeysFile = v
	}
}
