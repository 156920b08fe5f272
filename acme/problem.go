package acme

import "fmt"

// ProblemDetails is the RFC 7807 problem document the CA answers errors
// with. It doubles as our protocol-error type: a CA rejection is never
// retried.
type ProblemDetails struct {
	Type        string       `json:"type,omitempty"`
	Detail      string       `json:"detail,omitempty"`
	HTTPStatus  int          `json:"status,omitempty"`
	Instance    string       `json:"instance,omitempty"`
	SubProblems []SubProblem `json:"subproblems,omitempty"`

	// Filled locally for a better error message, not part of the RFC.
	Method string `json:"method,omitempty"`
	URL    string `json:"url,omitempty"`
}

type SubProblem struct {
	Type       string     `json:"type,omitempty"`
	Detail     string     `json:"detail,omitempty"`
	Identifier Identifier `json:"identifier,omitempty"`
}

func (p *ProblemDetails) Error() string {
	msg := fmt.Sprintf("acme: error: %d", p.HTTPStatus)
	if p.Method != "" || p.URL != "" {
		msg += fmt.Sprintf(" :: %s :: %s", p.Method, p.URL)
	}
	msg += fmt.Sprintf(" :: %s :: %s", p.Type, p.Detail)
	for _, sub := range p.SubProblems {
		msg += fmt.Sprintf(", problem: %q :: %s", sub.Type, sub.Detail)
	}
	if p.Instance != "" {
		msg += ", url: " + p.Instance
	}
	return msg
}
