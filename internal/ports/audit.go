package ports

import "github.com/jerryw02/glucobridge/internal/domain"

// Transition is one supervisor state change, as written to the audit trail.
type Transition struct {
	From domain.ConnectionState
	To   domain.ConnectionState
}

// AuditSink records a best-effort diagnostic trail. Calls never block and
// never report errors.
type AuditSink interface {
	RecordReading(r domain.Reading)
	RecordTransition(t Transition)
	Failures() uint64
}
