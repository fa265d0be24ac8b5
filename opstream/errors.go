package opstream

import "errors"

var (
	// ErrStateMachine is a broken batch invariant: a reentrant advance or
	// a promotion over a batch that still has ops to process.
	ErrStateMachine = errors.New("swarm: batch state machine violation")
	// ErrProcessing wraps an error reported by a processor.
	ErrProcessing = errors.New("swarm: op processing failed")
	// ErrInvalidCompletion is a task completed twice, or completed when
	// its batch is no longer in flight.
	ErrInvalidCompletion = errors.New("swarm: invalid completion")
	// ErrStreamClosed is returned by Offer once the stream has ended.
	ErrStreamClosed = errors.New("swarm: stream closed")
)
