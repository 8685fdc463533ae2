package workflow

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/hupe1980/makermesh/core"
)

// ErrInvalidDefinition is wrapped by every validation failure.
var ErrInvalidDefinition = errors.New("workflow: invalid definition")

// Role is an LLM-backed worker of a workflow.
type Role struct {
	ID           string   `yaml:"id" json:"id"`
	Name         string   `yaml:"name,omitempty" json:"name,omitempty"`
	SystemPrompt string   `yaml:"system_prompt,omitempty" json:"system_prompt,omitempty"`
	Connectors   []string `yaml:"connectors,omitempty" json:"connectors,omitempty"`
}

// Step is one typed unit of a workflow.
type Step struct {
	ID              string            `yaml:"id" json:"id"`
	Type            string            `yaml:"type" json:"type"`
	TargetRole      string            `yaml:"target_role,omitempty" json:"target_role,omitempty"`
	Parameters      map[string]string `yaml:"parameters,omitempty" json:"parameters,omitempty"`
	ContinueOnError bool              `yaml:"continue_on_error,omitempty" json:"continue_on_error,omitempty"`
}

// Definition is a parsed workflow.
type Definition struct {
	Name        string `yaml:"name" json:"name"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
	// Timeout is a Go duration string. Empty uses the orchestrator default.
	Timeout string `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	Roles   []Role `yaml:"roles" json:"roles"`
	Steps   []Step `yaml:"steps" json:"steps"`
}

// Parse decodes a YAML or JSON definition, canonicalizes step type aliases
// and validates the result.
func Parse(data []byte) (*Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDefinition, err)
	}

	def.normalize()

	if err := def.Validate(); err != nil {
		return nil, err
	}

	return &def, nil
}

// LoadFile parses the definition stored at path.
func LoadFile(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("workflow: read %s: %w", path, err)
	}

	def, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}

	return def, nil
}

// LoadDir parses every *.yaml, *.yml and *.json file in dir concurrently.
// A missing directory yields no definitions. The result is sorted by name.
func LoadDir(ctx context.Context, dir string) ([]*Definition, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}

		return nil, fmt.Errorf("workflow: read dir %s: %w", dir, err)
	}

	var (
		mu   sync.Mutex
		defs []*Definition
	)

	g, gctx := errgroup.WithContext(ctx)

	for _, e := range entries {
		if e.IsDir() {
			continue
		}

		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".yaml", ".yml", ".json":
		default:
			continue
		}

		path := filepath.Join(dir, e.Name())

		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}

			def, err := LoadFile(path)
			if err != nil {
				return err
			}

			mu.Lock()
			defs = append(defs, def)
			mu.Unlock()

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	slices.SortFunc(defs, func(a, b *Definition) int { return strings.Compare(a.Name, b.Name) })

	return defs, nil
}

func (d *Definition) normalize() {
	d.Name = strings.TrimSpace(d.Name)

	for i := range d.Steps {
		d.Steps[i].Type = core.CanonicalStepType(d.Steps[i].Type)
	}
}

// Validate checks the structural invariants of a definition.
func (d *Definition) Validate() error {
	invalid := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s", ErrInvalidDefinition, fmt.Sprintf(format, args...))
	}

	if d.Name == "" {
		return invalid("name is required")
	}

	if len(d.Steps) == 0 {
		return invalid("%s: at least one step is required", d.Name)
	}

	if _, err := d.TimeoutOr(time.Minute); err != nil {
		return invalid("%s: %v", d.Name, err)
	}

	roles := map[string]bool{}

	for _, r := range d.Roles {
		if strings.TrimSpace(r.ID) == "" {
			return invalid("%s: role id is required", d.Name)
		}

		if roles[r.ID] {
			return invalid("%s: duplicate role %q", d.Name, r.ID)
		}

		roles[r.ID] = true
	}

	steps := map[string]bool{}

	for _, s := range d.Steps {
		if strings.TrimSpace(s.ID) == "" {
			return invalid("%s: step id is required", d.Name)
		}

		if steps[s.ID] {
			return invalid("%s: duplicate step %q", d.Name, s.ID)
		}

		steps[s.ID] = true

		if !core.KnownStepType(s.Type) {
			return invalid("%s: step %q has unknown type %q", d.Name, s.ID, s.Type)
		}

		if s.TargetRole != "" && !roles[s.TargetRole] {
			return invalid("%s: step %q targets undeclared role %q", d.Name, s.ID, s.TargetRole)
		}

		if core.CanonicalStepType(s.Type) == core.StepConnectorCall && strings.TrimSpace(s.Parameters["connector"]) == "" {
			return invalid("%s: step %q requires a connector parameter", d.Name, s.ID)
		}

		if needsRole(s.Type) && len(d.Roles) == 0 {
			return invalid("%s: step %q needs at least one role", d.Name, s.ID)
		}
	}

	return nil
}

// needsRole reports whether a step type dispatches llm_call sub-steps.
func needsRole(stepType string) bool {
	switch core.CanonicalStepType(stepType) {
	case core.StepLLMCall, core.StepParallel, core.StepMakerRecursive:
		return true
	default:
		return false
	}
}

// TimeoutOr returns the definition timeout, or def when none is set.
func (d *Definition) TimeoutOr(def time.Duration) (time.Duration, error) {
	if strings.TrimSpace(d.Timeout) == "" {
		return def, nil
	}

	t, err := time.ParseDuration(strings.TrimSpace(d.Timeout))
	if err != nil {
		return 0, fmt.Errorf("timeout: %w", err)
	}

	if t <= 0 {
		return 0, fmt.Errorf("timeout must be positive")
	}

	return t, nil
}

// DefaultRole is the role llm_call steps without target_role go to.
func (d *Definition) DefaultRole() string {
	if len(d.Roles) == 0 {
		return ""
	}

	return d.Roles[0].ID
}

// StepIndex returns the position of the step with id, or -1.
func (d *Definition) StepIndex(id string) int {
	return slices.IndexFunc(d.Steps, func(s Step) bool { return s.ID == id })
}
