// Package core provides the configuration and logging foundation shared by
// every other package. Configuration is layered YAML: meta.yaml names the
// layers, later layers override earlier ones, and absent layers are skipped
// so local overrides stay optional.
package core

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/config"
	"go.uber.org/fx"
)

// ConfigModule provides the layered YAML config provider.
var ConfigModule = fx.Provide(NewConfig)

const (
	_configDirEnv     = "RTLSP_CONFIG_DIR"
	_defaultConfigDir = "src/rtlsp/config"
	_metaFile         = "meta.yaml"
	_layerListKey     = "files"
)

// Config names the merged provider so Fx errors identify its origin.
type Config struct {
	config.Provider
}

// Name implements config.Provider.
func (Config) Name() string {
	return "rtlsp-config"
}

// NewConfig merges the YAML layers listed in meta.yaml, with environment
// expansion applied to the merged result.
func NewConfig() (config.Provider, error) {
	dir := configDir()
	layers, err := layerFiles(dir)
	if err != nil {
		return nil, err
	}

	opts := make([]config.YAMLOption, 0, len(layers)+1)
	for _, path := range layers {
		opts = append(opts, config.File(path))
	}
	opts = append(opts, config.Expand(os.LookupEnv))

	provider, err := config.NewYAML(opts...)
	if err != nil {
		return nil, fmt.Errorf("merging configuration layers in %s: %w", dir, err)
	}
	return Config{provider}, nil
}

// layerFiles resolves the layer list from meta.yaml to the files actually
// present on disk, in listed order.
func layerFiles(dir string) ([]string, error) {
	meta, err := config.NewYAML(config.File(filepath.Join(dir, _metaFile)))
	if err != nil {
		return nil, fmt.Errorf("loading %s in %s: %w", _metaFile, dir, err)
	}
	var names []string
	if err := meta.Get(_layerListKey).Populate(&names); err != nil {
		return nil, fmt.Errorf("reading layer list from %s: %w", _metaFile, err)
	}

	layers := make([]string, 0, len(names))
	for _, name := range names {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err != nil {
			continue
		}
		layers = append(layers, path)
	}
	if len(layers) == 0 {
		return nil, fmt.Errorf("no configuration layers present in %s", dir)
	}
	return layers, nil
}

func configDir() string {
	if dir := os.Getenv(_configDirEnv); dir != "" {
		return dir
	}
	return _defaultConfigDir
}
