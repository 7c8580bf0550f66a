package sequence

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	_ "embed"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/opensupply/OpenSupplyCore/internal/ps"
	"github.com/opensupply/OpenSupplyCore/internal/supply"
	"github.com/opensupply/OpenSupplyCore/internal/types"
)

//go:embed schema/sequence-v1.json
var sequenceSchemaJSON string

// knownOps are the command ops a sequence step may carry.
var knownOps = map[supply.Op]struct{}{
	supply.OpTurnOn: {}, supply.OpTurnOff: {}, supply.OpResetInterlocks: {},
	supply.OpSetSlowRef: {}, supply.OpSetSlowRefSync: {}, supply.OpSelectOpMode: {},
	supply.OpOpenLoop: {}, supply.OpCloseLoop: {}, supply.OpConfigSigGen: {},
	supply.OpEnableSigGen: {}, supply.OpDisableSigGen: {}, supply.OpSelectWfmRef: {},
	supply.OpSetParam: {}, supply.OpSetInterlock: {}, supply.OpSyncPulse: {},
	supply.OpGetStatus: {},
}

// Library holds the sequences loaded at startup, keyed by id. It is
// immutable after LoadDir returns.
type Library struct {
	byID  map[string]*Sequence
	order []string
}

// LoadDir reads every *.yaml / *.yml document under dir, validates it
// against the embedded schema, and checks command ops and target states
// against the supply command surface. Duplicate ids fail the load.
// Every error names the offending file.
func LoadDir(dir string) (*Library, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("sequence-v1.json",
		strings.NewReader(sequenceSchemaJSON)); err != nil {
		return nil, fmt.Errorf("failed to add schema resource: %w", err)
	}
	schema, err := compiler.Compile("sequence-v1.json")
	if err != nil {
		return nil, fmt.Errorf("failed to compile schema: %w", err)
	}

	matches, err := filepath.Glob(filepath.Join(dir, "*.yaml"))
	if err != nil {
		return nil, fmt.Errorf("failed to scan sequence directory %s: %w", dir, err)
	}
	more, err := filepath.Glob(filepath.Join(dir, "*.yml"))
	if err != nil {
		return nil, fmt.Errorf("failed to scan sequence directory %s: %w", dir, err)
	}
	matches = append(matches, more...)
	sort.Strings(matches)

	lib := &Library{byID: make(map[string]*Sequence)}

	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read sequence %s: %w", path, err)
		}

		if err := validateDocument(schema, data); err != nil {
			return nil, fmt.Errorf("validation failed for %s: %w", path, err)
		}

		var seq Sequence
		if err := yaml.Unmarshal(data, &seq); err != nil {
			return nil, fmt.Errorf("failed to unmarshal sequence %s: %w", path, err)
		}

		if err := checkSteps(&seq); err != nil {
			return nil, fmt.Errorf("sequence %s: %w", path, err)
		}

		if _, dup := lib.byID[seq.ID]; dup {
			return nil, fmt.Errorf("sequence %s: duplicate sequence id %q", path, seq.ID)
		}

		lib.byID[seq.ID] = &seq
		lib.order = append(lib.order, seq.ID)
	}

	return lib, nil
}

// validateDocument checks the YAML document against the embedded
// schema. The document takes a JSON round trip because the schema
// engine validates JSON-decoded values.
func validateDocument(schema *jsonschema.Schema, data []byte) error {
	var raw interface{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("invalid YAML: %w", err)
	}

	jsonData, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("invalid document: %w", err)
	}
	var doc interface{}
	if err := json.Unmarshal(jsonData, &doc); err != nil {
		return fmt.Errorf("invalid document: %w", err)
	}

	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}
	return nil
}

// checkSteps rejects command ops the supplies do not implement, states
// no supply can reach, and degenerate wait times. Supply names are not
// resolved here: a sequence may name supplies that only exist on other
// installations, and the run fails cleanly when the step executes.
func checkSteps(seq *Sequence) error {
	for i := range seq.Steps {
		step := &seq.Steps[i]
		switch step.Type {
		case StepTypeCommand:
			cmd, err := step.ToCommand()
			if err != nil {
				return fmt.Errorf("step %d (%s): %w", i, step.Name, err)
			}
			if _, ok := knownOps[cmd.Op]; !ok {
				return fmt.Errorf("step %d (%s): unknown command op %q", i, step.Name, cmd.Op)
			}
		case StepTypeWaitState:
			if _, err := ps.ParseState(step.State); err != nil {
				return fmt.Errorf("step %d (%s): %w", i, step.Name, err)
			}
			if step.Timeout.Duration <= 0 {
				return fmt.Errorf("step %d (%s): wait_state requires a positive timeout", i, step.Name)
			}
		case StepTypeWait:
			if step.Duration.Duration <= 0 {
				return fmt.Errorf("step %d (%s): wait requires a positive duration", i, step.Name)
			}
		}
	}
	return nil
}

// Get returns the sequence with the given id.
func (l *Library) Get(id string) (*Sequence, error) {
	seq, ok := l.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: sequence %s", types.ErrNotFound, id)
	}
	return seq, nil
}

// List returns the sequences in load order.
func (l *Library) List() []*Sequence {
	out := make([]*Sequence, 0, len(l.order))
	for _, id := range l.order {
		out = append(out, l.byID[id])
	}
	return out
}

// Names returns the loaded sequence ids in load order.
func (l *Library) Names() []string {
	out := make([]string, len(l.order))
	copy(out, l.order)
	return out
}
