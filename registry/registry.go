// Package registry loads and validates the run plan: the ordered list of
// suites to submit, each with its declared test order. The plan's position is
// authoritative — suite order in the file is submission order, and test order
// within a suite is the declared order the sorting gates reconstruct.
package registry

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"gopkg.in/yaml.v3"
)

// Outcome is the scripted terminal state of a plan test. The demo driver and
// soak harness use it to synthesize suite executions; library consumers
// supply real test bodies instead.
type Outcome string

const (
	OutcomePass    Outcome = "pass"
	OutcomeFail    Outcome = "fail"
	OutcomeSkip    Outcome = "skip"
	OutcomePending Outcome = "pending"
	OutcomeCancel  Outcome = "cancel"
)

// IsValid reports whether the outcome is one of the known values.
func (o Outcome) IsValid() bool {
	switch o {
	case OutcomePass, OutcomeFail, OutcomeSkip, OutcomePending, OutcomeCancel:
		return true
	}
	return false
}

// TestSpec describes one test inside a suite.
type TestSpec struct {
	Name string `yaml:"name"`
	// Outcome defaults to pass.
	Outcome Outcome `yaml:"outcome,omitempty"`
	// Duration is a simulated execution delay for harness runs.
	Duration time.Duration `yaml:"-"`
	// Messages are info events the test emits before its terminal event.
	Messages []string `yaml:"messages,omitempty"`
}

// UnmarshalYAML parses the duration field from its human form ("250ms").
func (t *TestSpec) UnmarshalYAML(value *yaml.Node) error {
	type rawTestSpec struct {
		Name     string   `yaml:"name"`
		Outcome  Outcome  `yaml:"outcome,omitempty"`
		Duration string   `yaml:"duration,omitempty"`
		Messages []string `yaml:"messages,omitempty"`
	}
	var raw rawTestSpec
	if err := value.Decode(&raw); err != nil {
		return err
	}
	t.Name = raw.Name
	t.Outcome = raw.Outcome
	t.Messages = raw.Messages
	if raw.Duration != "" {
		d, err := time.ParseDuration(raw.Duration)
		if err != nil {
			return fmt.Errorf("test %q: invalid duration %q: %w", raw.Name, raw.Duration, err)
		}
		t.Duration = d
	}
	return nil
}

// SuiteSpec describes one suite: its position in the file is its submission
// order.
type SuiteSpec struct {
	Name string `yaml:"name"`
	// Serial opts the suite out of concurrent test execution; its tests run
	// in declared order on one worker and bypass the test sorting gate.
	Serial bool       `yaml:"serial,omitempty"`
	Tests  []TestSpec `yaml:"tests"`
}

// TestNames returns the suite's declared test order.
func (s SuiteSpec) TestNames() []string {
	names := make([]string, len(s.Tests))
	for i, t := range s.Tests {
		names[i] = t.Name
	}
	return names
}

// Plan is the top-level run plan document.
type Plan struct {
	Suites []SuiteSpec `yaml:"suites"`
}

// Config contains registry configuration.
type Config struct {
	Log      log.Logger
	PlanFile string
}

// Registry holds a loaded, validated plan.
type Registry struct {
	config Config
	plan   Plan
	mu     sync.RWMutex
}

// NewRegistry loads the plan file and validates it.
func NewRegistry(cfg Config) (*Registry, error) {
	if cfg.PlanFile == "" {
		return nil, fmt.Errorf("plan file is required")
	}
	if cfg.Log == nil {
		cfg.Log = log.New()
	}

	r := &Registry{config: cfg}
	if err := r.loadPlan(cfg.PlanFile); err != nil {
		return nil, fmt.Errorf("failed to load plan: %w", err)
	}

	cfg.Log.Debug("Registry loaded", "suites", len(r.plan.Suites))
	return r, nil
}

func (r *Registry) loadPlan(path string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read plan file: %w", err)
	}

	var plan Plan
	if err := yaml.Unmarshal(data, &plan); err != nil {
		return fmt.Errorf("failed to parse plan file: %w", err)
	}
	if err := validatePlan(&plan); err != nil {
		return err
	}

	r.plan = plan
	return nil
}

func validatePlan(plan *Plan) error {
	if len(plan.Suites) == 0 {
		return fmt.Errorf("plan declares no suites")
	}
	seenSuites := make(map[string]bool)
	for i := range plan.Suites {
		suite := &plan.Suites[i]
		if suite.Name == "" {
			return fmt.Errorf("suite at index %d has no name", i)
		}
		if seenSuites[suite.Name] {
			return fmt.Errorf("duplicate suite name %q", suite.Name)
		}
		seenSuites[suite.Name] = true

		seenTests := make(map[string]bool)
		for j := range suite.Tests {
			test := &suite.Tests[j]
			if test.Name == "" {
				return fmt.Errorf("suite %q: test at index %d has no name", suite.Name, j)
			}
			if seenTests[test.Name] {
				return fmt.Errorf("suite %q: duplicate test name %q", suite.Name, test.Name)
			}
			seenTests[test.Name] = true

			if test.Outcome == "" {
				test.Outcome = OutcomePass
			}
			if !test.Outcome.IsValid() {
				return fmt.Errorf("suite %q, test %q: invalid outcome %q", suite.Name, test.Name, test.Outcome)
			}
			if test.Duration < 0 {
				return fmt.Errorf("suite %q, test %q: negative duration", suite.Name, test.Name)
			}
		}
	}
	return nil
}

// Suites returns the plan's suites in submission order.
func (r *Registry) Suites() []SuiteSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]SuiteSpec, len(r.plan.Suites))
	copy(out, r.plan.Suites)
	return out
}

// TestCount returns the total number of tests across all suites.
func (r *Registry) TestCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, s := range r.plan.Suites {
		n += len(s.Tests)
	}
	return n
}
