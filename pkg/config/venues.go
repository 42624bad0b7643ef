package config

import (
	"os"

	"gopkg.in/yaml.v3"
)

// VenuePreset holds per-venue tuning loaded from YAML.
type VenuePreset struct {
	FeeRate           float64 `yaml:"fee_rate"`            // taker fee as decimal, e.g. 0.0005
	RequestsPerSecond float64 `yaml:"requests_per_second"` // REST budget
	Concurrency       int     `yaml:"concurrency"`         // total in-flight REST requests
}

// VenuesFile represents the top-level YAML structure.
type VenuesFile struct {
	Venues  map[string]VenuePreset `yaml:"venues"`
	Symbols []string               `yaml:"symbols"`
}

// DefaultPresets returns conservative settings used when the file is absent.
func DefaultPresets() VenuesFile {
	return VenuesFile{
		Venues: map[string]VenuePreset{
			"okx":     {FeeRate: 0.0005, RequestsPerSecond: 20, Concurrency: 10},
			"binance": {FeeRate: 0.0005, RequestsPerSecond: 10, Concurrency: 10},
		},
	}
}

// LoadVenues reads venue presets from a YAML file, falling back to defaults
// for any venue the file does not mention.
func LoadVenues(path string) (VenuesFile, error) {
	out := DefaultPresets()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return out, nil
		}
		return out, err
	}

	var file VenuesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return out, err
	}

	for name, preset := range file.Venues {
		base := out.Venues[name]
		if preset.FeeRate > 0 {
			base.FeeRate = preset.FeeRate
		}
		if preset.RequestsPerSecond > 0 {
			base.RequestsPerSecond = preset.RequestsPerSecond
		}
		if preset.Concurrency > 0 {
			base.Concurrency = preset.Concurrency
		}
		out.Venues[name] = base
	}
	if len(file.Symbols) > 0 {
		out.Symbols = file.Symbols
	}
	return out, nil
}
