package pipeline

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

// maxDefinitionSize bounds pipeline definition files.
const maxDefinitionSize = 1 << 20 // 1MB

// LoadDefinition reads and validates a pipeline definition from a YAML or
// TOML file, selected by extension.
func LoadDefinition(path string) (Definition, error) {
	f, err := os.Open(path)
	if err != nil {
		return Definition{}, fmt.Errorf("opening definition file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return Definition{}, fmt.Errorf("stat definition file: %w", err)
	}
	if info.Size() > maxDefinitionSize {
		return Definition{}, fmt.Errorf("definition file too large: %d bytes (max %d)", info.Size(), maxDefinitionSize)
	}

	data, err := io.ReadAll(f)
	if err != nil {
		return Definition{}, fmt.Errorf("reading definition file: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return ParseYAML(data)
	case ".toml":
		return ParseTOML(data)
	}
	return Definition{}, fmt.Errorf("unsupported definition format %q (want .yaml, .yml, or .toml)", filepath.Ext(path))
}

// ParseYAML decodes and validates a YAML pipeline definition.
func ParseYAML(data []byte) (Definition, error) {
	k := koanf.New(".")
	if err := k.Load(rawbytes.Provider(data), yaml.Parser()); err != nil {
		return Definition{}, fmt.Errorf("parsing yaml definition: %w", err)
	}

	var def Definition
	if err := k.Unmarshal("", &def); err != nil {
		return Definition{}, fmt.Errorf("decoding yaml definition: %w", err)
	}

	if err := def.Validate(); err != nil {
		return Definition{}, err
	}
	return def, nil
}

// ParseTOML decodes and validates a TOML pipeline definition.
func ParseTOML(data []byte) (Definition, error) {
	var def Definition
	if err := toml.Unmarshal(data, &def); err != nil {
		return Definition{}, fmt.Errorf("parsing toml definition: %w", err)
	}

	if err := def.Validate(); err != nil {
		return Definition{}, err
	}
	return def, nil
}
