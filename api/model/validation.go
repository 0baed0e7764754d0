package model

type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

type ValidationFinding struct {
	Field    string   `json:"field,omitempty"`
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
}

type ValidationResult struct {
	Name     string              `json:"name"`
	Errors   int                 `json:"errors"`
	Warnings int                 `json:"warnings"`
	Findings []ValidationFinding `json:"findings"`
}

func (r *ValidationResult) Add(f ValidationFinding) {
	r.Findings = append(r.Findings, f)
	switch f.Severity {
	case SeverityError:
		r.Errors++
	case SeverityWarning:
		r.Warnings++
	}
}

func (r *ValidationResult) Valid() bool {
	return r.Errors == 0
}

// FirstError returns the message of the first error-severity finding,
// or an empty string when the result is valid.
func (r *ValidationResult) FirstError() string {
	for _, f := range r.Findings {
		if f.Severity == SeverityError {
			if f.Field != "" {
				return f.Field + ": " + f.Message
			}
			return f.Message
		}
	}
	return ""
}
