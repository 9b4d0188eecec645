// Package ingest loads knowledge graph bundles from YAML and keeps the
// published snapshot in sync with the file on disk.
package ingest

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/user/comply-core/pkg/graph"
)

// LoadBundle reads a graph bundle from a YAML file.
func LoadBundle(path string) (graph.Bundle, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return graph.Bundle{}, fmt.Errorf("reading bundle %s: %w", path, err)
	}
	var b graph.Bundle
	if err := yaml.Unmarshal(data, &b); err != nil {
		return graph.Bundle{}, fmt.Errorf("parsing bundle %s: %w", path, err)
	}
	return b, nil
}
