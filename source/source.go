// Package source abstracts the ordered, resumable change-event feed
// the pipeline ingests from.
package source

import (
	"context"

	"tributary/cdc"
)

// Stream is an open change stream. Next blocks until an event is
// available, the stream fails, or the context is canceled. After each
// delivered event Token reports the current resume position.
type Stream interface {
	Next(ctx context.Context) (*cdc.ChangeEvent, error)
	Token() cdc.PositionToken
	Close(ctx context.Context) error
}

// Source opens change streams at a resume position. Opening with a
// native token resumes exactly; a timestamp token is the point-in-time
// fallback; the zero token starts from the present moment.
type Source interface {
	Open(ctx context.Context, from cdc.PositionToken) (Stream, error)
}
