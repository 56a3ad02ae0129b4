package ports

import "github.com/jerryw02/glucobridge/internal/domain"

// ReadingSink persists batches of readings drained from the event channel.
type ReadingSink interface {
	WriteBatch(readings []domain.Reading) error
	Name() string
}
