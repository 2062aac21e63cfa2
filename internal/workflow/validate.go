package workflow

import (
	"errors"
	"fmt"

	"github.com/prodigy-cli/prodigy/internal/expr"
)

// Validate checks a Workflow document for structural errors, returning a
// combined error describing every problem found (not just the first).
func Validate(wf *Workflow) error {
	var errs []error

	if wf.Name == "" {
		errs = append(errs, errors.New("workflow: name is required"))
	}

	switch wf.Mode {
	case "", "sequential", "mapreduce":
	default:
		errs = append(errs, fmt.Errorf("workflow: unknown mode %q (expected sequential or mapreduce)", wf.Mode))
	}

	if len(wf.Steps) > 0 && len(wf.Commands) > 0 {
		errs = append(errs, errors.New("workflow: steps and commands are aliases; set only one"))
	}

	hasSequential := len(wf.Sequential()) > 0
	hasMapReduce := wf.Map != nil || len(wf.Setup) > 0 || len(wf.Reduce) > 0 || len(wf.Merge) > 0
	if hasSequential && hasMapReduce {
		errs = append(errs, errors.New("workflow: cannot combine top-level steps with setup/map/reduce/merge"))
	}
	if !hasSequential && !hasMapReduce {
		errs = append(errs, errors.New("workflow: workflow has no steps"))
	}
	if wf.Mode == "mapreduce" && wf.Map == nil {
		errs = append(errs, errors.New("workflow: mode is mapreduce but no map phase is defined"))
	}
	if wf.Mode == "sequential" && hasMapReduce {
		errs = append(errs, errors.New("workflow: mode is sequential but setup/map/reduce/merge are defined"))
	}

	errs = append(errs, validateSteps("setup", wf.Setup)...)
	errs = append(errs, validateSteps("steps", wf.Sequential())...)
	errs = append(errs, validateSteps("reduce", wf.Reduce)...)
	errs = append(errs, validateSteps("merge", wf.Merge)...)

	if wf.Map != nil {
		if wf.Map.Input == "" {
			errs = append(errs, errors.New("workflow: map.input is required"))
		}
		if len(wf.Map.Agent) > 0 && len(wf.Map.AgentTemplate) > 0 {
			errs = append(errs, errors.New("workflow: map.agent and map.agent_template are aliases; set only one"))
		}
		if len(wf.Map.Template()) == 0 {
			errs = append(errs, errors.New("workflow: map.agent must have at least one step"))
		}
		if wf.Map.Filter != "" {
			if _, err := expr.Parse(wf.Map.Filter); err != nil {
				errs = append(errs, fmt.Errorf("workflow: map.filter: %w", err))
			}
		}
		errs = append(errs, validateSteps("map.agent", wf.Map.Template())...)
	}

	return errors.Join(errs...)
}

func validateSteps(listName string, steps []Step) []error {
	var errs []error
	for i, s := range steps {
		at := fmt.Sprintf("%s[%d]", listName, i)

		if _, _, err := kindAndCommand(s); err != nil {
			errs = append(errs, fmt.Errorf("workflow: %s: %w", at, err))
		}

		if s.When != "" {
			if _, err := expr.Parse(s.When); err != nil {
				errs = append(errs, fmt.Errorf("workflow: %s.when: %w", at, err))
			}
		}

		switch s.CaptureFormat {
		case "", "string", "json", "lines", "number", "boolean":
		default:
			errs = append(errs, fmt.Errorf("workflow: %s.capture_format: unknown format %q", at, s.CaptureFormat))
		}
		switch s.CaptureStreams {
		case "", "stdout", "stderr", "both":
		default:
			errs = append(errs, fmt.Errorf("workflow: %s.capture_streams: unknown stream %q", at, s.CaptureStreams))
		}
		if s.Capture == "" && s.CaptureFormat != "" {
			errs = append(errs, fmt.Errorf("workflow: %s: capture_format without capture", at))
		}

		if s.Retry != nil {
			switch s.Retry.Backoff {
			case "", "fixed", "exponential":
			default:
				errs = append(errs, fmt.Errorf("workflow: %s.retry.backoff: unknown policy %q", at, s.Retry.Backoff))
			}
		}

		if s.WriteFile != nil {
			if s.WriteFile.Path == "" {
				errs = append(errs, fmt.Errorf("workflow: %s.write_file: path is required", at))
			}
			switch s.WriteFile.Format {
			case "", "text", "json", "yaml", "toml":
			default:
				errs = append(errs, fmt.Errorf("workflow: %s.write_file.format: unknown format %q", at, s.WriteFile.Format))
			}
		}

		if s.Foreach != nil {
			if s.Foreach.Items == nil {
				errs = append(errs, fmt.Errorf("workflow: %s.foreach: items is required", at))
			}
			if len(s.Foreach.Do) == 0 {
				errs = append(errs, fmt.Errorf("workflow: %s.foreach: do must have at least one step", at))
			}
			errs = append(errs, validateSteps(at+".foreach.do", s.Foreach.Do)...)
		}

		if s.GoalSeek != nil {
			if s.GoalSeek.Command == "" {
				errs = append(errs, fmt.Errorf("workflow: %s.goal_seek: command is required", at))
			}
			if s.GoalSeek.Validate == "" {
				errs = append(errs, fmt.Errorf("workflow: %s.goal_seek: validate is required", at))
			}
		}

		if s.Handler != nil && s.Handler.Name == "" {
			errs = append(errs, fmt.Errorf("workflow: %s.handler: name is required", at))
		}

		if s.StepValidate != nil {
			switch s.StepValidate.SuccessCriteria {
			case "", "all", "any":
			default:
				errs = append(errs, fmt.Errorf("workflow: %s.step_validate.success_criteria: unknown criteria %q", at, s.StepValidate.SuccessCriteria))
			}
		}

		if s.OnFailure != nil {
			errs = append(errs, validateSteps(at+".on_failure", s.OnFailure.Steps)...)
		}
		errs = append(errs, validateSteps(at+".on_success", s.OnSuccess)...)
		for code, recovery := range s.OnExitCode {
			errs = append(errs, validateSteps(fmt.Sprintf("%s.on_exit_code[%d]", at, code), recovery)...)
		}
	}
	return errs
}
