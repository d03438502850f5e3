package buffer

import "errors"

// ErrBufferFull is returned by Write/WriteAll when capacity could not be
// acquired before the write's deadline.
var ErrBufferFull = errors.New("buffer: full")

// ErrShutdown is returned by any blocking operation that cannot complete
// because the buffer is shutting down.
var ErrShutdown = errors.New("buffer: shutdown")

// ErrUnknownToken is returned by Checkpoint for a token that was never
// issued by Read, or was already checkpointed.
var ErrUnknownToken = errors.New("buffer: unknown checkpoint token")
