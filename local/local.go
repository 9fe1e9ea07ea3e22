// Package local implements one-shot pipeline execution and validation,
// for running loom against a checkout without a server.
package local

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"tangled.org/loom/workflow"
)

// ReadPipelineDir collects the pipeline files of a repository checkout,
// e.g. everything under .loom/pipelines.
func ReadPipelineDir(dir string) (workflow.RawPipeline, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading pipeline dir: %w", err)
	}

	var raw workflow.RawPipeline
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasSuffix(name, ".yml") && !strings.HasSuffix(name, ".yaml") {
			continue
		}

		contents, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", name, err)
		}

		raw = append(raw, workflow.RawFile{
			Name:     name,
			Contents: contents,
		})
	}

	if len(raw) == 0 {
		return nil, fmt.Errorf("no pipeline files in %s", dir)
	}

	return raw, nil
}
