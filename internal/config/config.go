// Package config loads the clusters.yaml descriptor file and process
// settings. Cluster descriptors are immutable once loaded; callers get
// copies, never shared pointers into the file state.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// GPU request dialects. A cluster either takes a typed gres string
// (gpu:<model>:<count>) or a node-feature constraint plus a count-only
// gres line.
const (
	DialectGres       = "gres"
	DialectConstraint = "constraint"
)

// Cluster describes one remote Slurm cluster reachable over SSH.
type Cluster struct {
	Name              string   `yaml:"name" json:"name"`
	Host              string   `yaml:"host" json:"host"` // user@hostname
	Port              int      `yaml:"port" json:"port"`
	SSHKeyPath        string   `yaml:"ssh_key_path" json:"-"`
	Workspace         string   `yaml:"workspace" json:"workspace"`
	AllowedPartitions []string `yaml:"allowed_partitions" json:"allowed_partitions,omitempty"`
	AllowedGPUTypes   []string `yaml:"allowed_gpu_types" json:"allowed_gpu_types,omitempty"`
	GPUDialect        string   `yaml:"gpu_dialect" json:"gpu_dialect"`
	LoginShell        bool     `yaml:"login_shell" json:"login_shell"`
}

// User returns the user part of Host.
func (c Cluster) User() string {
	u, _, _ := strings.Cut(c.Host, "@")
	return u
}

// Hostname returns the host part of Host.
func (c Cluster) Hostname() string {
	_, h, _ := strings.Cut(c.Host, "@")
	return h
}

type File struct {
	Clusters []Cluster `yaml:"clusters"`
}

// ConfigError marks client-visible configuration problems (unknown
// cluster, malformed host). Never retried.
type ConfigError struct {
	Msg string
}

func (e *ConfigError) Error() string { return e.Msg }

// Load reads clusters.yaml and normalizes defaults.
func Load(path string) (*File, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read clusters config")
	}

	var f File
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, errors.Wrap(err, "yaml unmarshal clusters config")
	}

	// normalize defaults
	for i := range f.Clusters {
		c := &f.Clusters[i]
		if c.Name == "" {
			return nil, &ConfigError{Msg: "cluster with empty name"}
		}
		if !strings.Contains(c.Host, "@") {
			return nil, &ConfigError{Msg: "cluster " + c.Name + ": host must be user@hostname, got " + strconv.Quote(c.Host)}
		}
		if c.Port == 0 {
			c.Port = 22
		}
		if c.GPUDialect == "" {
			c.GPUDialect = DialectGres
		}
		if c.GPUDialect != DialectGres && c.GPUDialect != DialectConstraint {
			return nil, &ConfigError{Msg: "cluster " + c.Name + ": unknown gpu_dialect " + strconv.Quote(c.GPUDialect)}
		}
		c.SSHKeyPath = expandHome(c.SSHKeyPath)
	}

	return &f, nil
}

// Cluster looks a descriptor up by name.
func (f *File) Cluster(name string) (Cluster, error) {
	for _, c := range f.Clusters {
		if c.Name == name {
			return c, nil
		}
	}
	return Cluster{}, &ConfigError{Msg: "cluster " + strconv.Quote(name) + " not found"}
}

func expandHome(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}

// Settings are process-level knobs with env fallbacks.
type Settings struct {
	Listen       string
	ClustersPath string
	PollInterval time.Duration
	LogTailLines int
}

func getenv(k, fb string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return fb
}

func LoadSettings() Settings {
	s := Settings{
		Listen:       getenv("SLURMDECK_LISTEN", ":8080"),
		ClustersPath: getenv("SLURMDECK_CLUSTERS_FILE", "config/clusters.yaml"),
		PollInterval: 30 * time.Second,
		LogTailLines: 100,
	}
	if v := os.Getenv("SLURMDECK_POLL_INTERVAL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			s.PollInterval = time.Duration(n) * time.Second
		}
	}
	if v := os.Getenv("SLURMDECK_LOG_TAIL_LINES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			s.LogTailLines = n
		}
	}
	return s
}
