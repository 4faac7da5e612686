// Package records loads product descriptor files for batch runs.
package records

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"sku-render-pipeline/internal/models"
)

// file is the wrapped form: {records: [...], max_retries: N}
type file struct {
	Records    []models.Descriptor `json:"records" yaml:"records"`
	MaxRetries *int                `json:"max_retries" yaml:"max_retries"`
}

// Batch is a decoded record file
type Batch struct {
	Records []models.Descriptor
	// MaxRetries is nil unless the file sets it
	MaxRetries *int
}

// Load reads a .json, .yaml or .yml record file
func Load(path string) (Batch, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Batch{}, fmt.Errorf("read records: %w", err)
	}

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".json":
		return DecodeJSON(data)
	case ".yaml", ".yml":
		return DecodeYAML(data)
	default:
		return Batch{}, fmt.Errorf("unsupported record file extension %q", ext)
	}
}

// DecodeJSON accepts either a bare array of records or a wrapped object
func DecodeJSON(data []byte) (Batch, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var list []models.Descriptor
		if err := json.Unmarshal(trimmed, &list); err != nil {
			return Batch{}, fmt.Errorf("decode records: %w", err)
		}
		return finish(Batch{Records: list})
	}

	var f file
	if err := json.Unmarshal(trimmed, &f); err != nil {
		return Batch{}, fmt.Errorf("decode records: %w", err)
	}
	return finish(Batch{Records: f.Records, MaxRetries: f.MaxRetries})
}

// DecodeYAML accepts either a sequence of records or a mapping with a records key
func DecodeYAML(data []byte) (Batch, error) {
	var node yaml.Node
	if err := yaml.Unmarshal(data, &node); err != nil {
		return Batch{}, fmt.Errorf("decode records: %w", err)
	}
	if len(node.Content) == 0 {
		return Batch{}, models.ErrEmptyBatch
	}

	root := node.Content[0]
	if root.Kind == yaml.SequenceNode {
		var list []models.Descriptor
		if err := root.Decode(&list); err != nil {
			return Batch{}, fmt.Errorf("decode records: %w", err)
		}
		return finish(Batch{Records: list})
	}

	var f file
	if err := root.Decode(&f); err != nil {
		return Batch{}, fmt.Errorf("decode records: %w", err)
	}
	return finish(Batch{Records: f.Records, MaxRetries: f.MaxRetries})
}

func finish(b Batch) (Batch, error) {
	if len(b.Records) == 0 {
		return Batch{}, models.ErrEmptyBatch
	}
	if b.MaxRetries != nil && *b.MaxRetries < 0 {
		return Batch{}, &models.ValidationError{Field: "max_retries", Message: "must be non-negative"}
	}
	return b, nil
}
