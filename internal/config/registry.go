package config

import (
	"fmt"

	"github.com/spf13/viper"

	"github.com/modelfleet/router/internal/registry"
)

// LoadRegistry reads the static backend table from a YAML file shaped as:
//
//	backends:
//	  - model: llama-70b
//	    kind: chat
//	    gpu: "0"
//	    strategy: long
//	    base_url: http://127.0.0.1:8001/v1
//	    container: llama-70b-gpu0
//
// It is loaded through its own viper instance, separate from the process
// env-backed Config, since the registry is deployment topology rather than
// a tunable.
func LoadRegistry(path string) (*registry.Registry, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: reading registry file %s: %w", path, err)
	}

	var specs []registry.Spec
	if err := v.UnmarshalKey("backends", &specs); err != nil {
		return nil, fmt.Errorf("config: parsing registry file %s: %w", path, err)
	}

	reg, err := registry.New(specs)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return reg, nil
}
