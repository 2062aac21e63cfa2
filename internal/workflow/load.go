package workflow

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"go.yaml.in/yaml/v3"
)

// Load reads and decodes a workflow document from path. path may be "-" to
// read from stdin, matching the MapPhase.Input convention.
func Load(path string) (*Workflow, error) {
	var r io.Reader
	if path == "-" {
		r = os.Stdin
	} else {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("workflow: opening %q: %w", path, err)
		}
		defer f.Close() //nolint:errcheck
		r = f
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("workflow: reading %q: %w", path, err)
	}

	var wf Workflow
	dec := yaml.NewDecoder(bytes.NewReader(data))
	// Unknown keys are configuration errors, not silently-dropped extras.
	dec.KnownFields(true)
	if err := dec.Decode(&wf); err != nil {
		return nil, fmt.Errorf("workflow: parsing %q: %w", path, err)
	}

	if err := Validate(&wf); err != nil {
		return nil, fmt.Errorf("workflow: validating %q: %w", path, err)
	}
	return &wf, nil
}
