package reconstruction

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-viper/mapstructure/v2"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// ReadConfigFile reads a JSON (.json) or YAML (.yaml, .yml) configuration file on top of
// DefaultConfig. Keys use the json names of the Config fields; unknown keys are rejected.
func ReadConfigFile(path string) (Config, error) {
	cfg := DefaultConfig()

	//nolint:gosec
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrapf(err, "cannot read config file %q", path)
	}

	var attrs map[string]interface{}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".json":
		err = json.Unmarshal(raw, &attrs)
	case ".yaml", ".yml":
		err = yaml.Unmarshal(raw, &attrs)
	default:
		return cfg, NewConfigurationError(errors.Errorf("unsupported config file extension %q", ext))
	}
	if err != nil {
		return cfg, NewConfigurationError(errors.Wrapf(err, "cannot parse config file %q", path))
	}

	if err := decodeConfigAttributes(attrs, &cfg); err != nil {
		return DefaultConfig(), NewConfigurationError(errors.Wrapf(err, "config file %q", path))
	}
	return cfg, nil
}

func decodeConfigAttributes(attrs map[string]interface{}, cfg *Config) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		Result:           cfg,
		WeaklyTypedInput: true,
		ErrorUnused:      true,
	})
	if err != nil {
		return err
	}
	return decoder.Decode(attrs)
}
