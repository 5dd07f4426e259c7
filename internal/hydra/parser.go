// Package hydra scans a project's conf/ directory into config groups so
// override forms can be built without executing any project code. The
// filesystem is abstracted so tests run in memory.
package hydra

import (
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"
)

// Group is one config group directory (conf/model, conf/optimizer, ...).
type Group struct {
	Options []string                  `json:"options"`
	Default string                    `json:"default,omitempty"`
	Configs map[string]map[string]any `json:"configs"`
}

// Config is the parsed shape of a project's conf/ tree.
type Config struct {
	Groups     map[string]Group `json:"config_groups"`
	MainConfig map[string]any   `json:"main_config"`
}

// Parse reads projectPath/conf into config groups. Option files that fail
// to parse are skipped, not fatal.
func Parse(fs afero.Fs, projectPath string) (Config, error) {
	confDir := filepath.Join(projectPath, "conf")
	ok, err := afero.DirExists(fs, confDir)
	if err != nil {
		return Config{}, errors.Wrap(err, "stat conf dir")
	}
	if !ok {
		return Config{}, errors.Errorf("hydra conf directory not found: %s", confDir)
	}

	cfg := Config{
		Groups:     map[string]Group{},
		MainConfig: map[string]any{},
	}

	if b, err := afero.ReadFile(fs, filepath.Join(confDir, "config.yaml")); err == nil {
		_ = yaml.Unmarshal(b, &cfg.MainConfig)
	}

	entries, err := afero.ReadDir(fs, confDir)
	if err != nil {
		return Config{}, errors.Wrap(err, "read conf dir")
	}
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		g, err := parseGroup(fs, filepath.Join(confDir, e.Name()))
		if err != nil {
			continue
		}
		cfg.Groups[e.Name()] = g
	}

	if defaults, ok := cfg.MainConfig["defaults"].([]any); ok {
		applyDefaults(cfg.Groups, defaults)
	}

	return cfg, nil
}

func parseGroup(fs afero.Fs, dir string) (Group, error) {
	g := Group{Configs: map[string]map[string]any{}}

	entries, err := afero.ReadDir(fs, dir)
	if err != nil {
		return Group{}, err
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".yaml") {
			continue
		}
		name := strings.TrimSuffix(e.Name(), ".yaml")

		b, err := afero.ReadFile(fs, filepath.Join(dir, e.Name()))
		if err != nil {
			continue
		}
		var parsed map[string]any
		if err := yaml.Unmarshal(b, &parsed); err != nil {
			continue
		}
		g.Options = append(g.Options, name)
		g.Configs[name] = parsed
	}
	sort.Strings(g.Options)
	return g, nil
}

// applyDefaults fills each group's default from the main config's
// defaults list (entries like {model: resnet50}).
func applyDefaults(groups map[string]Group, defaults []any) {
	for _, d := range defaults {
		m, ok := d.(map[string]any)
		if !ok {
			continue
		}
		for k, v := range m {
			name, ok := v.(string)
			if !ok {
				continue
			}
			if g, ok := groups[k]; ok {
				g.Default = name
				groups[k] = g
			}
		}
	}
}
