package core

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// ParsePipeline parses YAML content into a Pipeline object. JSON, with or
// without comments, is accepted as well.
func ParsePipeline(data []byte) (*Pipeline, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && (trimmed[0] == '{' || bytes.HasPrefix(trimmed, []byte("//")) || bytes.HasPrefix(trimmed, []byte("/*"))) {
		data = jsonc.ToJSON(data)
	}

	var pipeline Pipeline
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&pipeline); err != nil {
		return nil, errors.Wrap(err, "parse pipeline")
	}
	return &pipeline, nil
}

// LoadPipeline reads a pipeline file. A missing name defaults to the file
// name without extension.
func LoadPipeline(path string) (*Pipeline, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	pipeline, err := ParsePipeline(data)
	if err != nil {
		return nil, errors.Wrap(err, path)
	}
	if pipeline.Name == "" {
		base := filepath.Base(path)
		pipeline.Name = strings.TrimSuffix(base, filepath.Ext(base))
	}
	return pipeline, nil
}
