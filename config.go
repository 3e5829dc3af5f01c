package sensorhub

import (
	"encoding/json"
	"os"

	"github.com/pkg/errors"
)

// Config holds the recognized configuration options from §6: minimum
// log severity, the plugin discovery directory, and the default frame
// bin depth. Loaded by an external collaborator (out of scope per §1);
// the core only consumes the resulting struct.
type Config struct {
	SeverityLevel     string `json:"severity_level"`
	PluginDirectory   string `json:"plugin_directory"`
	FrameBinSlotCount int    `json:"frame_bin_slot_count"`
}

// DefaultConfig mirrors the spec's stated defaults: info severity, no
// plugin directory (caller must set one or use LoadExplicit), and a
// triple-buffered bin.
func DefaultConfig() Config {
	return Config{
		SeverityLevel:     "info",
		PluginDirectory:   "",
		FrameBinSlotCount: DefaultBinSlots,
	}
}

// LoadConfig reads a JSON config file at path, following
// xtaci-kcptun/server/config.go's parseJSONConfig pattern: open, then
// decode over a struct seeded with defaults so partial configs don't
// zero out unspecified fields.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	file, err := os.Open(path)
	if err != nil {
		return cfg, errors.Wrapf(err, "open config %s", path)
	}
	defer file.Close()

	if err := json.NewDecoder(file).Decode(&cfg); err != nil {
		return cfg, errors.Wrapf(err, "decode config %s", path)
	}
	if cfg.FrameBinSlotCount < 2 {
		return cfg, newStatus(StatusInvalidParameter, "frame_bin_slot_count must be >= 2")
	}
	return cfg, nil
}
