package verify

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// Report tallies the results of one verification run.
type Report struct {
	VM      string   `json:"vm"`
	Address string   `json:"address,omitempty"`
	Results []Result `json:"results"`
	Passed  int      `json:"passed"`
	Failed  int      `json:"failed"`
	Skipped int      `json:"skipped"`
}

func (r *Report) add(res Result) {
	r.Results = append(r.Results, res)
	switch res.Outcome {
	case Pass:
		r.Passed++
	case Fail:
		r.Failed++
	case Skip:
		r.Skipped++
	}
}

// OK is true when no check failed.
func (r Report) OK() bool {
	return r.Failed == 0
}

// ExitCode is the number of failed checks.
func (r Report) ExitCode() int {
	return r.Failed
}

func symbol(o Outcome) string {
	switch o {
	case Pass:
		return "✓"
	case Fail:
		return "✗"
	default:
		return "-"
	}
}

// WriteText writes a human-readable summary.
func (r Report) WriteText(w io.Writer) error {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("Verifying %s", r.VM))
	if r.Address != "" {
		sb.WriteString(fmt.Sprintf(" (%s)", r.Address))
	}
	sb.WriteString("\n")

	for _, res := range r.Results {
		sb.WriteString(fmt.Sprintf("  %s %-22s %s\n", symbol(res.Outcome), res.Check, res.Detail))
	}

	sb.WriteString(fmt.Sprintf("\n%d passed, %d failed, %d skipped\n", r.Passed, r.Failed, r.Skipped))

	_, err := io.WriteString(w, sb.String())
	return err
}

// WriteJSON writes the report as indented JSON.
func (r Report) WriteJSON(w io.Writer) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}
	data = append(data, '\n')
	_, err = w.Write(data)
	return err
}
