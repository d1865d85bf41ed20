package protocol

import (
	"fmt"
	"sort"

	"github.com/KevinKickass/OpenBenchCore/internal/types"
)

type Severity string

const (
	SevError   Severity = "error"
	SevWarning Severity = "warning"
)

type Issue struct {
	Code      string   `json:"code"`
	Severity  Severity `json:"severity"`
	Message   string   `json:"message"`
	StepIndex int      `json:"step_index"`
	Field     string   `json:"field,omitempty"`
	Path      string   `json:"path,omitempty"` // JSON Pointer-ish ("/steps/0/pump_id")
}

type Report struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors"`
	Warnings []Issue `json:"warnings"`
}

// Err returns nil for a valid report, otherwise an ErrInvalidCommand naming
// the first error.
func (r Report) Err() error {
	if r.Valid {
		return nil
	}
	first := r.Errors[0]
	if len(r.Errors) == 1 {
		return fmt.Errorf("%w: %s: %s", types.ErrInvalidCommand, first.Path, first.Message)
	}
	return fmt.Errorf("%w: %s: %s (and %d more)", types.ErrInvalidCommand, first.Path, first.Message, len(r.Errors)-1)
}

// Validator checks a protocol before it runs. Structural problems are
// errors; device ids unknown to the bench are warnings, since the step then
// reports UnknownDevice on its own when reached.
type Validator struct {
	known func(id string) bool
}

// NewValidator takes a lookup for device ids; nil skips the device check.
func NewValidator(known func(id string) bool) *Validator {
	return &Validator{known: known}
}

func (v *Validator) Validate(steps []types.ProtocolStep) Report {
	rep := Report{}

	if len(steps) == 0 {
		rep.addError(Issue{
			Code:      "PROTOCOL_001",
			Message:   "Protocol has no steps",
			StepIndex: -1,
			Path:      "/steps",
		})
	}

	for i, step := range steps {
		base := fmt.Sprintf("/steps/%d", i)
		v.validateStep(&rep, i, base, step)
	}

	rep.finalize()
	return rep
}

func (v *Validator) validateStep(rep *Report, idx int, base string, step types.ProtocolStep) {
	if step.Command == types.StepDelay {
		if step.Duration.Duration < 0 {
			rep.addError(Issue{
				Code:      "STEP_003",
				Message:   fmt.Sprintf("Delay must not be negative (got %s)", step.Duration.Duration),
				StepIndex: idx,
				Field:     "duration",
				Path:      base + "/duration",
			})
		}
		return
	}

	cmd, ok := StepCommand(step)
	if !ok {
		rep.addError(Issue{
			Code:      "STEP_001",
			Message:   fmt.Sprintf("Unknown step command %q", step.Command),
			StepIndex: idx,
			Field:     "command",
			Path:      base + "/command",
		})
		return
	}
	if cmd.Type == types.CommandStopAll {
		return
	}

	if step.Target() == "" {
		rep.addError(Issue{
			Code:      "STEP_002",
			Message:   fmt.Sprintf("Step %s requires pump_id or device_id", step.Command),
			StepIndex: idx,
			Field:     "pump_id",
			Path:      base + "/pump_id",
		})
		return
	}

	if err := cmd.Validate(); err != nil {
		rep.addError(Issue{
			Code:      "STEP_004",
			Message:   err.Error(),
			StepIndex: idx,
			Path:      base,
		})
	}

	if v.known != nil && !v.known(step.Target()) {
		rep.addWarning(Issue{
			Code:      "DEVICE_001",
			Message:   fmt.Sprintf("Device %q is not part of this bench", step.Target()),
			StepIndex: idx,
			Field:     "pump_id",
			Path:      base + "/pump_id",
		})
	}
}

func (r *Report) addError(i Issue) {
	if i.Severity == "" {
		i.Severity = SevError
	}
	r.Errors = append(r.Errors, i)
}

func (r *Report) addWarning(i Issue) {
	if i.Severity == "" {
		i.Severity = SevWarning
	}
	r.Warnings = append(r.Warnings, i)
}

func (r *Report) finalize() {
	sortIssues(r.Errors)
	sortIssues(r.Warnings)
	r.Valid = len(r.Errors) == 0
}

func sortIssues(list []Issue) {
	sort.SliceStable(list, func(i, j int) bool {
		a, b := list[i], list[j]
		if a.StepIndex != b.StepIndex {
			return a.StepIndex < b.StepIndex
		}
		if a.Code != b.Code {
			return a.Code < b.Code
		}
		return a.Message < b.Message
	})
}
