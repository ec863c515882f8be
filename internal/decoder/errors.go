package decoder

import "github.com/pkg/errors"

// Sentinel decode errors (spec §4.1 "Errors"). They are non-fatal to the
// process: the OpDispatcher responds by ending the containing block with
// an ExitFunction to the faulting PC (spec §7 DecodeFailure).
var (
	ErrTruncated                    = errors.New("decoder: truncated instruction")
	ErrUndefined                    = errors.New("decoder: undefined opcode")
	ErrUnsupportedPrefixCombination = errors.New("decoder: unsupported prefix combination")
	ErrOperandSizeOverrideOnIRET    = errors.New("decoder: operand-size override on IRET is unsupported")
)

// DecodeError wraps one of the sentinels above with positional context.
// Callers should use errors.Is(err, decoder.ErrTruncated) etc. to classify
// it; errors.Is reaches the sentinel through Unwrap. DecodeError has no
// Cause method, so github.com/pkg/errors.Cause returns it unchanged.
type DecodeError struct {
	cause error
	PC    uint64
}

func (e *DecodeError) Error() string {
	return e.cause.Error()
}

func (e *DecodeError) Unwrap() error { return e.cause }

func newDecodeError(pc uint64, cause error, context string) *DecodeError {
	return &DecodeError{PC: pc, cause: errors.Wrapf(cause, "pc=%#x: %s", pc, context)}
}
