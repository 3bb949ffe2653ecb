// Package protocol validates agent-produced manifest entries and
// return messages before a dispatched unit of work is accepted as
// honestly completed.
package protocol

import (
	"fmt"

	"github.com/kryptobaseddev/cleo/internal/cleoerr"
	"github.com/kryptobaseddev/cleo/internal/domain"
)

const (
	MinKeyFindings = 3
	MaxKeyFindings = 7
)

// DefaultReturnMessages are the canonical acknowledgement strings an
// agent may return. A deployment can replace them via config; free-text
// returns are presumed to leak work product that belongs in the
// manifest artifact.
var DefaultReturnMessages = []string{
	"Task complete. Manifest updated.",
	"Task partially complete. Manifest updated with followups.",
	"Task blocked. Manifest updated with blockers.",
}

// Severity tags a finding. Error-severity findings block acceptance;
// warnings are recorded but do not.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Finding is one failed manifest check.
type Finding struct {
	Severity Severity `json:"severity"`
	Field    string   `json:"field"`
	Message  string   `json:"message"`
}

// Result is the outcome of a manifest validation.
type Result struct {
	Passed     bool      `json:"passed"`
	Violations []Finding `json:"violations,omitempty"`
}

// Validator checks manifest entries against structural and content
// requirements. TaskExists and FileExists are supplied by the storage
// collaborator so the validation itself stays pure.
type Validator struct {
	TaskExists func(id string) bool
	FileExists func(path string) bool
}

// Validate checks structural completeness of a candidate entry for the
// protocol type expected by the dispatched unit of work.
func (v Validator) Validate(m domain.ManifestEntry, protocolType string) Result {
	var res Result
	add := func(sev Severity, field, format string, args ...any) {
		res.Violations = append(res.Violations, Finding{Severity: sev, Field: field, Message: fmt.Sprintf(format, args...)})
	}

	if m.TaskID == "" {
		add(SeverityError, "task_id", "task_id is required")
	} else if v.TaskExists != nil && !v.TaskExists(m.TaskID) {
		add(SeverityError, "task_id", "task %s does not exist", m.TaskID)
	}
	if m.Title == "" {
		add(SeverityError, "title", "title is required")
	}
	if m.File == "" {
		add(SeverityError, "file", "file reference is required")
	} else if v.FileExists != nil && !v.FileExists(m.File) {
		add(SeverityError, "file", "referenced file %s does not exist", m.File)
	}
	if m.Date == "" {
		add(SeverityWarning, "date", "date is missing")
	}
	if !m.Status.Valid() {
		add(SeverityError, "status", "status %q is not one of complete, partial, blocked", m.Status)
	}
	if len(m.Topics) == 0 {
		add(SeverityError, "topics", "at least one topic is required")
	}
	if n := len(m.KeyFindings); n < MinKeyFindings || n > MaxKeyFindings {
		add(SeverityError, "key_findings", "key_findings count %d outside [%d,%d]", n, MinKeyFindings, MaxKeyFindings)
	}
	for _, id := range m.NeedsFollowup {
		if v.TaskExists != nil && !v.TaskExists(id) {
			add(SeverityError, "needs_followup", "followup task %s does not exist", id)
		}
	}
	for _, id := range m.LinkedTasks {
		if v.TaskExists != nil && !v.TaskExists(id) {
			add(SeverityWarning, "linked_tasks", "linked task %s does not exist", id)
		}
	}
	if m.Status == domain.ManifestBlocked && len(m.NeedsFollowup) == 0 && m.BlockerNote == "" {
		add(SeverityError, "status", "blocked status requires a followup task or a blocker note")
	}
	if protocolType != "" && m.ProtocolType != "" && m.ProtocolType != protocolType {
		add(SeverityWarning, "protocol_type", "entry declares protocol %q but %q was dispatched", m.ProtocolType, protocolType)
	}

	res.Passed = true
	for _, viol := range res.Violations {
		if viol.Severity == SeverityError {
			res.Passed = false
			break
		}
	}
	return res
}

// Err converts a failed result into the typed blocking error.
func (r Result) Err() error {
	if r.Passed {
		return nil
	}
	n := 0
	for _, v := range r.Violations {
		if v.Severity == SeverityError {
			n++
		}
	}
	return cleoerr.Newf(cleoerr.CodeProtocolValidation, "manifest entry failed %d protocol check(s)", n).
		WithDetail("violations", r.Violations).
		WithRemediation("fix the error-severity fields and resubmit the manifest entry")
}

// ValidateReturnMessage verifies the text an agent returned from a
// completed unit of work against the canonical acknowledgement set.
func ValidateReturnMessage(msg string, allowed []string) error {
	if len(allowed) == 0 {
		allowed = DefaultReturnMessages
	}
	for _, a := range allowed {
		if msg == a {
			return nil
		}
	}
	return cleoerr.New(cleoerr.CodeProtocolReturn, "returned message is not a canonical acknowledgement").
		WithDetail("allowed", allowed).
		WithRemediation("return exactly one of the canonical strings; put findings in the manifest entry instead")
}
