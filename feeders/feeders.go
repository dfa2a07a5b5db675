// Package feeders provides configuration feeders for reading runtime settings
// from environment variables and from JSON, YAML and TOML files.
package feeders

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/golobby/config/v3/pkg/feeder"
	"gopkg.in/yaml.v3"
)

// Feeder fills a configuration struct from one source.
type Feeder interface {
	Feed(target interface{}) error
}

// KeyFeeder is implemented by file feeders that can populate a struct from a
// single top-level section of the file.
type KeyFeeder interface {
	Feeder
	FeedKey(key string, target interface{}) error
}

// YamlFeeder is a feeder that reads YAML files
type YamlFeeder struct {
	feeder.Yaml
}

// NewYamlFeeder creates a new YamlFeeder that reads from the specified YAML file
func NewYamlFeeder(filePath string) YamlFeeder {
	return YamlFeeder{feeder.Yaml{Path: filePath}}
}

// FeedKey reads a YAML file and decodes the section under key into target.
// A missing section leaves target untouched.
func (y YamlFeeder) FeedKey(key string, target interface{}) error {
	return feedKey(y, key, target, yaml.Marshal, yaml.Unmarshal, "yaml")
}

// TomlFeeder is a feeder that reads TOML files
type TomlFeeder struct {
	feeder.Toml
}

// NewTomlFeeder creates a new TomlFeeder that reads from the specified TOML file
func NewTomlFeeder(filePath string) TomlFeeder {
	return TomlFeeder{feeder.Toml{Path: filePath}}
}

// FeedKey reads a TOML file and decodes the section under key into target.
func (t TomlFeeder) FeedKey(key string, target interface{}) error {
	return feedKey(t, key, target, toml.Marshal, toml.Unmarshal, "toml")
}

// JSONFeeder is a feeder that reads JSON files
type JSONFeeder struct {
	feeder.Json
}

// NewJSONFeeder creates a new JSONFeeder that reads from the specified JSON file
func NewJSONFeeder(filePath string) JSONFeeder {
	return JSONFeeder{feeder.Json{Path: filePath}}
}

// FeedKey reads a JSON file and decodes the section under key into target.
func (j JSONFeeder) FeedKey(key string, target interface{}) error {
	return feedKey(j, key, target, json.Marshal, json.Unmarshal, "json")
}

// ForFile picks a file feeder by extension: .yaml/.yml, .toml or .json.
func ForFile(path string) (KeyFeeder, error) {
	switch extension(path) {
	case ".yaml", ".yml":
		return NewYamlFeeder(path), nil
	case ".toml":
		return NewTomlFeeder(path), nil
	case ".json":
		return NewJSONFeeder(path), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFileType, path)
	}
}

// feedKey is a common helper function for extracting specific keys from config files
func feedKey(
	source Feeder,
	key string,
	target interface{},
	marshalFunc func(interface{}) ([]byte, error),
	unmarshalFunc func([]byte, interface{}) error,
	fileType string,
) error {
	var allData map[string]interface{}
	if err := source.Feed(&allData); err != nil {
		return fmt.Errorf("failed to read %s: %w", fileType, err)
	}

	value, exists := allData[key]
	if !exists {
		return nil
	}

	// Remarshal and unmarshal to handle type conversions
	valueBytes, err := marshalFunc(value)
	if err != nil {
		return fmt.Errorf("failed to marshal %s data: %w", fileType, err)
	}
	if err = unmarshalFunc(valueBytes, target); err != nil {
		return fmt.Errorf("failed to unmarshal %s data: %w", fileType, err)
	}
	return nil
}

func extension(path string) string {
	return strings.ToLower(filepath.Ext(path))
}
