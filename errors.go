package shuffle

import "errors"

var (
	ErrPacketBufferFull = errors.New("shuffle: packet buffer is full")
	ErrNegativeLength   = errors.New("shuffle: negative payload length")
	ErrFrameTooLarge    = errors.New("shuffle: frame too large")
	ErrTaskClosed       = errors.New("shuffle: task is closed")
	ErrAlreadyAssigned  = errors.New("shuffle: socket already assigned")
	ErrWriterQueueFull  = errors.New("shuffle: writer queue is full")
	ErrNoWriter         = errors.New("shuffle: no writer for peer")
	ErrUnknownPeer      = errors.New("shuffle: no reader registered for peer")
	ErrJobRequired      = errors.New("shuffle: job name is required")
	ErrLookupRequired   = errors.New("shuffle: container lookup is required")
)
