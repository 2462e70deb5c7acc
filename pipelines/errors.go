package pipelines

import "fmt"

// EncodingError indicates that one input text could not be encoded within the
// model limits for the supplied labels. It is recoverable per item: the
// affected item is reported and its siblings complete normally.
type EncodingError struct {
	Item int
	Err  error
}

func (e *EncodingError) Error() string {
	return fmt.Sprintf("encoding item %d: %v", e.Item, e.Err)
}

func (e *EncodingError) Unwrap() error {
	return e.Err
}

// DecodeError indicates an internal invariant violation while converting raw
// scores into predictions, e.g. an index outside the label table. It is
// always fatal and points at a bug rather than bad input.
type DecodeError struct {
	Reason string
}

func (e *DecodeError) Error() string {
	return "decode invariant violation: " + e.Reason
}
