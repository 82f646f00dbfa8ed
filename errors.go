package litb

import (
	"errors"
)

var ErrTruncatedStream = errors.New("marshal stream truncated")
var ErrUnknownTag = errors.New("invalid marshal type code")
var ErrInvalidReference = errors.New("bad marshal data (invalid reference)")
var ErrDepthExceeded = errors.New("max marshal stack depth exceeded")
var ErrSizeOutOfRange = errors.New("bad marshal data (size out of range)")
var ErrNotCode = errors.New("top-level marshal value is not a code object")
var ErrNoOpcodeTable = errors.New("opcode table missing, run gendb first")
