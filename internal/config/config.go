// Package config loads the ambient config.json (or config.yaml) file under
// a Paths root: shared-zone glob overrides and the default model/provider
// string. Grounded on internal/config's os.ExpandEnv-over-raw-text-then-
// unmarshal-then-defaults pattern, generalized from a single embedded YAML
// server config to a small optional file that's absent on a first run.
package config

import (
	"encoding/json"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/eisen-labs/eisen-agent/internal/logging"
	"github.com/eisen-labs/eisen-agent/internal/paths"
)

// Config is the on-disk shape of config.json/config.yaml.
type Config struct {
	DefaultModel    string   `yaml:"default_model" json:"default_model"`
	SharedZones     []string `yaml:"shared_zones" json:"shared_zones"`
	UseDefaultZones *bool    `yaml:"use_default_shared_zones" json:"use_default_shared_zones"`
	ProxyBinaryPath string   `yaml:"proxy_binary_path" json:"proxy_binary_path"`
}

// applyDefaults fills in zero-value fields the way a server config's own
// applyDefaults pass would.
func applyDefaults(c *Config) {
	if c.UseDefaultZones == nil {
		t := true
		c.UseDefaultZones = &t
	}
}

// Load reads p.ConfigFile (config.json), falling back to a config.yaml
// alongside it, and returns a Config with only the defaults applied
// (UseDefaultZones set to true) if neither exists. Both
// forms go through os.ExpandEnv before parsing, so hand-edited config can
// reference environment variables.
func Load(p paths.Paths) (Config, error) {
	var c Config

	data, err := os.ReadFile(p.ConfigFile)
	if err == nil {
		if parseErr := json.Unmarshal([]byte(os.ExpandEnv(string(data))), &c); parseErr != nil {
			return c, parseErr
		}
		applyDefaults(&c)
		return c, nil
	}
	if !os.IsNotExist(err) {
		return c, err
	}

	yamlPath := strings.TrimSuffix(p.ConfigFile, ".json") + ".yaml"
	data, err = os.ReadFile(yamlPath)
	if os.IsNotExist(err) {
		applyDefaults(&c)
		return c, nil
	}
	if err != nil {
		return c, err
	}
	if parseErr := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &c); parseErr != nil {
		return c, parseErr
	}
	logging.Infof("config: loaded %s", yamlPath)
	applyDefaults(&c)
	return c, nil
}
