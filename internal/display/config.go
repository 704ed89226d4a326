package display

import (
	"encoding/json"
	"fmt"
	"os"
)

// modelConfig is the on-disk shape spec.md §4.6 describes as "a single
// key read from an on-disk JSON-ish config": in practice a small JSON
// object carrying the numeric model identifier the rotation table keys
// on.
type modelConfig struct {
	Model int `json:"model"`
}

// LoadModelID reads the numeric model identifier from path. A missing
// file is not an init failure here (display capture degrades to
// RotateNone rather than refusing to start), matching spec.md §4.6's
// "anything else -> none" fallback.
func LoadModelID(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("display: read config %s: %w", path, err)
	}
	var cfg modelConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return 0, fmt.Errorf("display: parse config %s: %w", path, err)
	}
	return cfg.Model, nil
}
