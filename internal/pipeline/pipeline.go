// Package pipeline runs the CI sequence for the repository: prepare the
// environment, run the test suite, and always turn its results into a
// human-readable report that is archived and published.
package pipeline

import (
	"errors"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/Employeest/employeest-be/internal/config"
)

// Names of the built-in steps a pipeline can reference with `uses:`.
const (
	BuiltinEnvFile         = "env-file"
	BuiltinReport          = "report"
	BuiltinUploadArtifacts = "upload-artifacts"
	BuiltinPublishReport   = "publish-report"
)

// Pipeline is an ordered list of steps executed strictly in sequence.
type Pipeline struct {
	Name  string `yaml:"name"`
	Steps []Step `yaml:"steps"`
}

// Step is either an external command (Run) or a built-in (Uses).
type Step struct {
	Name string `yaml:"name"`
	// Run is the argv of an external command.
	Run []string `yaml:"run,omitempty"`
	// Uses names a built-in step.
	Uses string `yaml:"uses,omitempty"`
	// Env is added on top of the runner's environment.
	Env map[string]string `yaml:"env,omitempty"`
	// Stdout redirects the command's standard output to a file.
	Stdout string `yaml:"stdout,omitempty"`
	// Always steps run even after an earlier step failed.
	Always bool `yaml:"always,omitempty"`
}

// DisplayName is the step name, falling back to what the step executes.
func (s Step) DisplayName() string {
	switch {
	case s.Name != "":
		return s.Name
	case s.Uses != "":
		return s.Uses
	case len(s.Run) > 0:
		return s.Run[0]
	default:
		return "unnamed"
	}
}

// Load reads a pipeline definition from a YAML file.
func Load(path string) (*Pipeline, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading pipeline %s: %w", path, err)
	}

	var p Pipeline
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parsing pipeline %s: %w", path, err)
	}
	if len(p.Steps) == 0 {
		return nil, fmt.Errorf("pipeline %s has no steps", path)
	}
	return &p, nil
}

// Default is the repository's CI sequence. self is the path of the employeest
// binary used for the migration check.
func Default(cfg config.CIConfig, self string) *Pipeline {
	return &Pipeline{
		Name: "ci",
		Steps: []Step{
			{Name: "write env file", Uses: BuiltinEnvFile},
			{Name: "download modules", Run: []string{"go", "mod", "download"}},
			{Name: "check migrations", Run: []string{self, "migrate", "--check"}},
			{Name: "run tests", Run: []string{"go", "test", "-json", "./..."}, Stdout: cfg.ResultsFile},
			{Name: "render report", Uses: BuiltinReport, Always: true},
			{Name: "upload artifacts", Uses: BuiltinUploadArtifacts, Always: true},
			{Name: "publish report", Uses: BuiltinPublishReport, Always: true},
		},
	}
}

// Validate checks every step is runnable with the given built-ins.
func Validate(p *Pipeline, builtins map[string]Builtin) error {
	if p == nil || len(p.Steps) == 0 {
		return errors.New("pipeline has no steps")
	}

	var errs []error
	for i, s := range p.Steps {
		hasRun := len(s.Run) > 0
		hasUses := s.Uses != ""
		switch {
		case hasRun && hasUses:
			errs = append(errs, fmt.Errorf("step %d (%s): run and uses are mutually exclusive", i, s.DisplayName()))
		case !hasRun && !hasUses:
			errs = append(errs, fmt.Errorf("step %d (%s): one of run or uses is required", i, s.DisplayName()))
		case hasUses:
			if _, ok := builtins[s.Uses]; !ok {
				errs = append(errs, fmt.Errorf("step %d (%s): unknown built-in %q (known: %v)", i, s.DisplayName(), s.Uses, builtinNames(builtins)))
			}
			if s.Stdout != "" {
				errs = append(errs, fmt.Errorf("step %d (%s): stdout applies only to run steps", i, s.DisplayName()))
			}
		}
	}
	return errors.Join(errs...)
}

func builtinNames(builtins map[string]Builtin) []string {
	names := make([]string, 0, len(builtins))
	for name := range builtins {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
