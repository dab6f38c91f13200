package config

import (
	"errors"
	"fmt"
	"os"

	"sigs.k8s.io/yaml"

	"github.com/ROCm/ROCK-Kernel-Driver-sub046/pkg/link"
)

// Override ... operator supplied settings for one display
type Override struct {
	Override  string `json:"override,omitempty"`
	Preferred string `json:"preferred,omitempty"`
}

// Overrides ... keyed by display name
type Overrides map[string]Override

// LoadOverrides reads the override file. A missing file yields an empty set,
// which clears every override.
func LoadOverrides(path string) (Overrides, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return Overrides{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read overrides %s: %w", path, err)
	}
	return ParseOverrides(data)
}

// ParseOverrides ...
func ParseOverrides(data []byte) (Overrides, error) {
	o := Overrides{}
	if err := yaml.UnmarshalStrict(data, &o); err != nil {
		return nil, fmt.Errorf("unmarshal overrides: %w", err)
	}
	for name, v := range o {
		if _, err := link.ParseSettings(v.Override); err != nil {
			return nil, fmt.Errorf("%s: override: %w", name, err)
		}
		if _, err := link.ParseSettings(v.Preferred); err != nil {
			return nil, fmt.Errorf("%s: preferred: %w", name, err)
		}
	}
	return o, nil
}

// Settings returns the parsed override and preferred settings for name,
// Unknown for whichever is unset.
func (o Overrides) Settings(name string) (override, preferred link.Settings) {
	v, ok := o[name]
	if !ok {
		return link.Unknown, link.Unknown
	}
	override, _ = link.ParseSettings(v.Override)
	preferred, _ = link.ParseSettings(v.Preferred)
	return override, preferred
}
