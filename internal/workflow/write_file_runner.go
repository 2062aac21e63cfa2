package workflow

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/BurntSushi/toml"
	"go.yaml.in/yaml/v3"

	"github.com/prodigy-cli/prodigy/internal/variables"
)

// WriteFileRunner materialises a write_file: step: it interpolates the
// path and content, optionally re-encodes the content into a structured
// format, and writes the file.
//
// Interpolation here runs against the full variable context, including
// large aggregates like "map.results" -- this is the one step kind allowed
// to consume them, since file content never transits a child process's
// environment or argument list.
type WriteFileRunner struct{}

func (r *WriteFileRunner) Kind() string { return KindWriteFile }

func (r *WriteFileRunner) Run(ctx context.Context, req RunRequest) (RunResult, error) {
	spec := req.Step.WriteFile
	interpolator := variables.NewInterpolator(req.Vars, variables.NonStrict)

	path, err := interpolator.Interpolate(spec.Path)
	if err != nil {
		return RunResult{ExitCode: -1}, fmt.Errorf("write_file: interpolating path: %w", err)
	}
	content, err := interpolator.Interpolate(spec.Content)
	if err != nil {
		return RunResult{ExitCode: -1}, fmt.Errorf("write_file: interpolating content for %q: %w", path, err)
	}

	encoded, err := encodeContent(content, spec.Format)
	if err != nil {
		return RunResult{ExitCode: -1}, fmt.Errorf("write_file: %q: %w", path, err)
	}

	if !filepath.IsAbs(path) && req.WorkDir != "" {
		path = filepath.Join(req.WorkDir, path)
	}

	if spec.CreateDirs {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return RunResult{ExitCode: -1}, fmt.Errorf("write_file: creating directories for %q: %w", path, err)
		}
	}

	mode := os.FileMode(0o644)
	if spec.Mode != "" {
		parsed, perr := strconv.ParseUint(spec.Mode, 8, 32)
		if perr != nil {
			return RunResult{ExitCode: -1}, fmt.Errorf("write_file: invalid mode %q for %q: %w", spec.Mode, path, perr)
		}
		mode = os.FileMode(parsed)
	}

	if err := os.WriteFile(path, encoded, mode); err != nil {
		return RunResult{ExitCode: -1}, fmt.Errorf("write_file: writing %q: %w", path, err)
	}

	return RunResult{Stdout: path}, nil
}

// encodeContent converts interpolated content into the target format. For
// "json", "yaml", and "toml" the content must parse as JSON first; the
// parsed value is then re-encoded, so a workflow can build structured files
// from captured JSON values without worrying about quoting.
func encodeContent(content, format string) ([]byte, error) {
	switch format {
	case "", "text":
		return []byte(content), nil

	case "json":
		var v any
		if err := json.Unmarshal([]byte(content), &v); err != nil {
			return nil, fmt.Errorf("content is not valid JSON: %w", err)
		}
		out, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return nil, err
		}
		return append(out, '\n'), nil

	case "yaml":
		var v any
		if err := json.Unmarshal([]byte(content), &v); err != nil {
			return nil, fmt.Errorf("content is not valid JSON: %w", err)
		}
		return yaml.Marshal(v)

	case "toml":
		var v any
		if err := json.Unmarshal([]byte(content), &v); err != nil {
			return nil, fmt.Errorf("content is not valid JSON: %w", err)
		}
		var buf bytes.Buffer
		if err := toml.NewEncoder(&buf).Encode(v); err != nil {
			return nil, fmt.Errorf("encoding TOML: %w", err)
		}
		return buf.Bytes(), nil

	default:
		return nil, fmt.Errorf("unknown format %q (expected text, json, yaml, or toml)", format)
	}
}

func (r *WriteFileRunner) DryRun(step Step) string {
	return fmt.Sprintf("would write %d bytes to %s", len(step.WriteFile.Content), step.WriteFile.Path)
}
