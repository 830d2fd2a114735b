package harness

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/roach88/evidence/internal/ir"
)

// Scenario is a scripted sequence of submissions and replays against a
// fresh ledger, followed by assertions on the final state.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Treasury and FeeAsset override the defaults ("treasury", "NYXT").
	Treasury string `yaml:"treasury,omitempty"`
	FeeAsset string `yaml:"fee_asset,omitempty"`

	// Genesis seeds partitions before the first step.
	Genesis map[string]map[string]any `yaml:"genesis,omitempty"`

	Steps      []Step      `yaml:"steps"`
	Assertions []Assertion `yaml:"assertions"`
}

// Step is exactly one of Submit, Replay or Tamper.
type Step struct {
	Submit *SubmitStep `yaml:"submit,omitempty"`
	Replay string      `yaml:"replay,omitempty"`
	Tamper *TamperStep `yaml:"tamper,omitempty"`

	// Expect is optional. Without it a submit must complete and a replay
	// must be ok.
	Expect *Expect `yaml:"expect,omitempty"`
}

// Kind returns the step's kind.
func (s Step) Kind() string {
	switch {
	case s.Submit != nil:
		return KindSubmit
	case s.Tamper != nil:
		return KindTamper
	default:
		return KindReplay
	}
}

// SubmitStep is one dispatcher submission.
type SubmitStep struct {
	RunID   string         `yaml:"run_id"`
	Seed    int64          `yaml:"seed"`
	Module  string         `yaml:"module"`
	Action  string         `yaml:"action"`
	Sponsor string         `yaml:"sponsor,omitempty"`
	Payload map[string]any `yaml:"payload"`
}

// TamperStep overwrites one recorded field of a run.
type TamperStep struct {
	RunID string `yaml:"run_id"`
	Field string `yaml:"field"`
	Value any    `yaml:"value"`
}

// Expect is checked against a submit or replay outcome. Only the fields
// that are set are compared.
type Expect struct {
	Status   string   `yaml:"status,omitempty"`
	Error    string   `yaml:"error,omitempty"`
	FeeTotal *int64   `yaml:"fee_total,omitempty"`
	OK       *bool    `yaml:"ok,omitempty"`
	Diffs    []string `yaml:"diffs,omitempty"`
}

// Assertion validates final state.
type Assertion struct {
	// Type is one of the Assert* constants.
	Type string `yaml:"type"`

	Account string `yaml:"account,omitempty"` // balance
	Asset   string `yaml:"asset,omitempty"`   // balance
	Key     string `yaml:"key,omitempty"`     // partition_version
	Status  string `yaml:"status,omitempty"`  // run_count
	Equals  *int64 `yaml:"equals,omitempty"`  // balance, treasury, partition_version, run_count
}

// Assertion type constants.
const (
	AssertBalance          = "balance"
	AssertTreasury         = "treasury"
	AssertPartitionVersion = "partition_version"
	AssertRunCount         = "run_count"
	AssertFeePositive      = "fee_positive"
	AssertReplayAll        = "replay_all"
)

// tamperable lists the run fields a tamper step may overwrite.
var tamperable = map[string]bool{
	"fee_total":        true,
	"state_hash":       true,
	"treasury_address": true,
	"action_hash":      true,
}

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses scenario YAML with strict field checking.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}

	for key := range s.Genesis {
		if !ir.PartitionKey(key).Valid() {
			return fmt.Errorf("genesis: invalid partition key %q", key)
		}
	}

	for i, step := range s.Steps {
		if err := validateStep(i, step); err != nil {
			return err
		}
	}

	for i, a := range s.Assertions {
		if err := validateAssertion(i, a); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(i int, step Step) error {
	set := 0
	if step.Submit != nil {
		set++
	}
	if step.Replay != "" {
		set++
	}
	if step.Tamper != nil {
		set++
	}
	if set != 1 {
		return fmt.Errorf("steps[%d]: exactly one of submit, replay, tamper is required", i)
	}

	switch {
	case step.Submit != nil:
		if step.Submit.RunID == "" {
			return fmt.Errorf("steps[%d].submit: run_id is required", i)
		}
		if step.Submit.Module == "" || step.Submit.Action == "" {
			return fmt.Errorf("steps[%d].submit: module and action are required", i)
		}
	case step.Tamper != nil:
		if step.Tamper.RunID == "" {
			return fmt.Errorf("steps[%d].tamper: run_id is required", i)
		}
		if !tamperable[step.Tamper.Field] {
			return fmt.Errorf("steps[%d].tamper: field %q cannot be tampered", i, step.Tamper.Field)
		}
		if step.Expect != nil {
			return fmt.Errorf("steps[%d].tamper: expect is not allowed", i)
		}
	}
	return nil
}

func validateAssertion(index int, a Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	switch a.Type {
	case AssertBalance:
		if a.Account == "" || a.Asset == "" || a.Equals == nil {
			return fmt.Errorf("assertions[%d]: account, asset and equals are required for balance", index)
		}
	case AssertTreasury:
		if a.Equals == nil {
			return fmt.Errorf("assertions[%d]: equals is required for treasury", index)
		}
	case AssertPartitionVersion:
		if a.Key == "" || a.Equals == nil {
			return fmt.Errorf("assertions[%d]: key and equals are required for partition_version", index)
		}
	case AssertRunCount:
		if a.Status == "" || a.Equals == nil {
			return fmt.Errorf("assertions[%d]: status and equals are required for run_count", index)
		}
	case AssertFeePositive, AssertReplayAll:
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
