package config

import "fmt"

// StorageType selects the persistence backend for durable entities.
type StorageType string

const (
	StorageTypeNone   StorageType = "none"   // nothing survives a restart
	StorageTypeMemory StorageType = "memory" // BuntDB kept in memory only
	StorageTypeBuntDB StorageType = "buntdb" // BuntDB backed by a file
)

// StorageConfig is the YAML-friendly storage section of a broker config.
// Only the block matching Type is consulted.
type StorageConfig struct {
	Type   StorageType   `yaml:"type"`
	BuntDB *BuntDBConfig `yaml:"buntdb,omitempty"`
}

// BuntDBConfig configures the file-backed BuntDB backend. An empty or
// ":memory:" path degrades to in-memory storage.
type BuntDBConfig struct {
	Path string `yaml:"path"`
}

// Validate checks that the selected backend has the settings it needs.
func (sc StorageConfig) Validate() error {
	switch sc.Type {
	case StorageTypeNone, StorageTypeMemory:
		return nil
	case StorageTypeBuntDB:
		if sc.BuntDB == nil {
			return fmt.Errorf("BuntDB config is required for storage type %q", sc.Type)
		}
		return nil
	case "":
		return fmt.Errorf("storage type not specified")
	default:
		return fmt.Errorf("unknown storage type: %s", sc.Type)
	}
}
