// Package sequence runs operator-defined command sequences against the
// supply controller: YAML documents describing bring-up, cycling and
// shutdown procedures, executed asynchronously with every step
// persisted and streamed.
package sequence

import (
	"encoding/json"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/opensupply/OpenSupplyCore/internal/supply"
)

// Sequence is one loaded definition. IDs are stable document names, not
// uuids; runs of a sequence get uuids.
type Sequence struct {
	ID          string `yaml:"id" json:"id"`
	Name        string `yaml:"name" json:"name"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
	Version     string `yaml:"version,omitempty" json:"version,omitempty"`
	Steps       []Step `yaml:"steps" json:"steps"`
}

type StepType string

const (
	StepTypeCommand   StepType = "command"
	StepTypeWait      StepType = "wait"
	StepTypeWaitState StepType = "wait_state"
)

// Step is one entry of a sequence. Command bodies use the same wire
// names as the REST command endpoint and are decoded into
// supply.Command at load time.
type Step struct {
	Name   string   `yaml:"name" json:"name"`
	Type   StepType `yaml:"type" json:"type"`
	Supply string   `yaml:"supply,omitempty" json:"supply,omitempty"`

	// command step
	Command map[string]any `yaml:"command,omitempty" json:"command,omitempty"`

	// wait_state step
	State  string `yaml:"state,omitempty" json:"state,omitempty"`
	Module int    `yaml:"module,omitempty" json:"module,omitempty"`

	Duration Duration `yaml:"duration,omitempty" json:"duration,omitempty"`
	Timeout  Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`
}

// ToCommand decodes the step's command body through its JSON wire form,
// so the YAML spelling matches the REST command envelope exactly.
func (s *Step) ToCommand() (supply.Command, error) {
	var cmd supply.Command
	data, err := json.Marshal(s.Command)
	if err != nil {
		return cmd, fmt.Errorf("invalid command body: %w", err)
	}
	if err := json.Unmarshal(data, &cmd); err != nil {
		return cmd, fmt.Errorf("invalid command body: %w", err)
	}
	return cmd, nil
}

// Duration wraps time.Duration with YAML/JSON parsing from strings like
// "2s" or "100ms". Bare numbers are nanoseconds.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var v interface{}
	if err := node.Decode(&v); err != nil {
		return err
	}
	return d.from(v)
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v interface{}
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	return d.from(v)
}

func (d *Duration) from(v interface{}) error {
	switch value := v.(type) {
	case int:
		d.Duration = time.Duration(value)
		return nil
	case float64:
		d.Duration = time.Duration(value)
		return nil
	case string:
		var err error
		d.Duration, err = time.ParseDuration(value)
		if err != nil {
			return err
		}
		return nil
	default:
		return fmt.Errorf("invalid duration type: %T", value)
	}
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return d.String(), nil
}
