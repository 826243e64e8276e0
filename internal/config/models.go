package config

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

//go:embed models.yaml
var defaultModels []byte

// ModelProfile describes one model the router may pick.
type ModelProfile struct {
	Name                string  `yaml:"name" json:"name"`
	CostPerToken        float64 `yaml:"cost_per_token" json:"cost_per_token"`
	AvgResponseTime     float64 `yaml:"avg_response_time" json:"avg_response_time"`
	ComplexityThreshold float64 `yaml:"complexity_threshold" json:"complexity_threshold"`
}

type modelTable struct {
	Profiles []ModelProfile `yaml:"profiles" json:"profiles"`
}

// ErrEmptyModelTable is returned when a table lists no profiles.
var ErrEmptyModelTable = errors.New("model table has no profiles")

// DefaultModelProfiles returns the embedded routing table.
func DefaultModelProfiles() []ModelProfile {
	profiles, err := ParseModelProfiles(defaultModels, ".yaml")
	if err != nil {
		panic(fmt.Sprintf("embedded model table: %v", err))
	}
	return profiles
}

// LoadModelProfiles reads a routing table from path. An empty path yields
// the embedded default. Files ending in .json or .jsonc are read as JSON
// with comments; everything else as YAML.
func LoadModelProfiles(path string) ([]ModelProfile, error) {
	if path == "" {
		return DefaultModelProfiles(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read model table: %w", err)
	}
	profiles, err := ParseModelProfiles(data, filepath.Ext(path))
	if err != nil {
		return nil, fmt.Errorf("model table %s: %w", path, err)
	}
	return profiles, nil
}

// ParseModelProfiles decodes and validates a routing table. ext selects
// the format.
func ParseModelProfiles(data []byte, ext string) ([]ModelProfile, error) {
	var table modelTable
	switch strings.ToLower(ext) {
	case ".json", ".jsonc":
		if err := json.Unmarshal(jsonc.ToJSON(data), &table); err != nil {
			return nil, fmt.Errorf("decode json: %w", err)
		}
	default:
		if err := yaml.Unmarshal(data, &table); err != nil {
			return nil, fmt.Errorf("decode yaml: %w", err)
		}
	}
	if err := ValidateModelProfiles(table.Profiles); err != nil {
		return nil, err
	}
	return table.Profiles, nil
}

// ValidateModelProfiles checks that the table is non-empty, every
// threshold lies in [0,1] and thresholds never decrease.
func ValidateModelProfiles(profiles []ModelProfile) error {
	if len(profiles) == 0 {
		return ErrEmptyModelTable
	}
	prev := 0.0
	for i, p := range profiles {
		if strings.TrimSpace(p.Name) == "" {
			return fmt.Errorf("profile %d: name cannot be empty", i)
		}
		if p.ComplexityThreshold < 0 || p.ComplexityThreshold > 1 {
			return fmt.Errorf("profile %d (%s): complexity_threshold %v outside [0,1]", i, p.Name, p.ComplexityThreshold)
		}
		if p.ComplexityThreshold < prev {
			return fmt.Errorf("profile %d (%s): complexity_threshold %v below previous %v", i, p.Name, p.ComplexityThreshold, prev)
		}
		if p.CostPerToken < 0 || p.AvgResponseTime < 0 {
			return fmt.Errorf("profile %d (%s): cost and response time cannot be negative", i, p.Name)
		}
		prev = p.ComplexityThreshold
	}
	if last := profiles[len(profiles)-1]; last.ComplexityThreshold < 1 {
		// The last profile is the fallback for anything above its threshold.
		slog.Warn("Last model profile does not cover the full score range",
			"model", last.Name, "threshold", last.ComplexityThreshold)
	}
	return nil
}
