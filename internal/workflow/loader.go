// Package workflow loads workflow definitions from YAML files.
package workflow

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/t77yq/flowplane/internal/model"
)

// ErrInvalidDefinition wraps every validation failure
var ErrInvalidDefinition = fmt.Errorf("%w: invalid workflow definition", model.ErrInvalidState)

// Parse decodes and validates one YAML definition. Unknown fields are
// rejected; durations are written as strings such as "30s".
func Parse(data []byte) (*model.Workflow, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var wf model.Workflow
	if err := dec.Decode(&wf); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: empty document", ErrInvalidDefinition)
		}
		return nil, fmt.Errorf("failed to decode workflow: %w", err)
	}
	if wf.Status == "" {
		wf.Status = model.WorkflowStatusDraft
	}

	if err := Validate(&wf); err != nil {
		return nil, err
	}
	return &wf, nil
}

// Load reads and parses a definition file
func Load(path string) (*model.Workflow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read workflow file: %w", err)
	}

	wf, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return wf, nil
}

// LoadDir loads every .yaml and .yml file in dir, ordered by file name.
// Workflow ids must be unique across the directory.
func LoadDir(dir string) ([]*model.Workflow, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read workflow directory: %w", err)
	}

	var names []string
	for _, e := range entries {
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if !e.IsDir() && (ext == ".yaml" || ext == ".yml") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	seen := make(map[string]string)
	workflows := make([]*model.Workflow, 0, len(names))
	for _, name := range names {
		path := filepath.Join(dir, name)
		wf, err := Load(path)
		if err != nil {
			return nil, err
		}
		if other, ok := seen[wf.ID]; ok {
			return nil, fmt.Errorf("%w: workflow id %s defined in %s and %s", ErrInvalidDefinition, wf.ID, other, name)
		}
		seen[wf.ID] = name
		workflows = append(workflows, wf)
	}
	return workflows, nil
}

// Validate checks a definition. Dependencies must name steps of the same
// workflow; they are not used to reorder execution.
func Validate(wf *model.Workflow) error {
	var errs []error
	if strings.TrimSpace(wf.ID) == "" {
		errs = append(errs, errors.New("workflow id is required"))
	}
	if len(wf.Steps) == 0 {
		errs = append(errs, errors.New("workflow needs at least one step"))
	}

	ids := make(map[string]bool, len(wf.Steps))
	for i, step := range wf.Steps {
		if step.ID == "" {
			errs = append(errs, fmt.Errorf("step %d: id is required", i))
			continue
		}
		if ids[step.ID] {
			errs = append(errs, fmt.Errorf("step %s: duplicate id", step.ID))
		}
		ids[step.ID] = true
	}

	for _, step := range wf.Steps {
		if step.ID == "" {
			continue
		}
		if step.Type == "" {
			errs = append(errs, fmt.Errorf("step %s: type is required", step.ID))
		}
		if step.Timeout < 0 {
			errs = append(errs, fmt.Errorf("step %s: timeout must not be negative", step.ID))
		}
		for _, dep := range step.Dependencies {
			if !ids[dep] {
				errs = append(errs, fmt.Errorf("step %s: unknown dependency %s", step.ID, dep))
			}
			if dep == step.ID {
				errs = append(errs, fmt.Errorf("step %s: depends on itself", step.ID))
			}
		}
		if p := step.RetryPolicy; p != nil {
			switch p.BackoffStrategy {
			case "", model.BackoffLinear, model.BackoffExponential:
			default:
				errs = append(errs, fmt.Errorf("step %s: unknown backoff strategy %q", step.ID, p.BackoffStrategy))
			}
			if p.MaxAttempts < 0 {
				errs = append(errs, fmt.Errorf("step %s: maxAttempts must not be negative", step.ID))
			}
			if p.InitialDelay < 0 || p.MaxDelay < 0 {
				errs = append(errs, fmt.Errorf("step %s: retry delays must not be negative", step.ID))
			}
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidDefinition, errors.Join(errs...))
	}
	return nil
}
