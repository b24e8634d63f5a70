package config

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/BurntSushi/toml"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

//go:embed schema.json
var schemaJSON []byte

const schemaURL = "config.schema.json"

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

// Schema returns the embedded JSON Schema document.
func Schema() []byte {
	return append([]byte(nil), schemaJSON...)
}

func loadSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(schemaURL, bytes.NewReader(schemaJSON)); err != nil {
			schemaErr = fmt.Errorf("add schema resource: %w", err)
			return
		}
		compiledSchema, schemaErr = compiler.Compile(schemaURL)
		if schemaErr != nil {
			schemaErr = fmt.Errorf("compile schema: %w", schemaErr)
		}
	})
	return compiledSchema, schemaErr
}

// ValidateDocument checks the shape of a raw config document against the
// embedded schema. format is "toml", "json", "yaml" or "yml"; anything else
// is auto-detected. Unknown keys and wrongly typed values are rejected here,
// before decoding would silently drop them.
func ValidateDocument(data []byte, format string) error {
	schema, err := loadSchema()
	if err != nil {
		return err
	}

	doc, err := decodeGeneric(data, format)
	if err != nil {
		return err
	}

	// The validator expects encoding/json value types.
	normalized, err := normalize(doc)
	if err != nil {
		return err
	}

	if err := schema.Validate(normalized); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

func decodeGeneric(data []byte, format string) (any, error) {
	doc := map[string]any{}
	switch strings.TrimPrefix(strings.ToLower(format), ".") {
	case "toml":
		if err := toml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("decode TOML: %w", err)
		}
	case "json":
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("decode JSON: %w", err)
		}
	case "yaml", "yml":
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("decode YAML: %w", err)
		}
	default:
		if _, err := toml.Decode(string(data), &doc); err == nil {
			return doc, nil
		}
		doc = map[string]any{}
		if err := json.Unmarshal(data, &doc); err == nil {
			return doc, nil
		}
		doc = map[string]any{}
		if err := yaml.Unmarshal(data, &doc); err == nil {
			return doc, nil
		}
		return nil, fmt.Errorf("unable to parse config document (tried TOML, JSON, YAML)")
	}
	return doc, nil
}

func normalize(doc any) (any, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("normalize config document: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("normalize config document: %w", err)
	}
	return out, nil
}
