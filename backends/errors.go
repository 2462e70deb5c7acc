package backends

import (
	"fmt"
	"strings"
)

// ModelLoadError indicates that the model assets (onnx graph, configuration or
// tokenizer) are missing or unusable. It is raised once at initialization and
// is never retried.
type ModelLoadError struct {
	Path string
	Err  error
}

func (e *ModelLoadError) Error() string {
	return fmt.Sprintf("loading model from %s: %v", e.Path, e.Err)
}

func (e *ModelLoadError) Unwrap() error {
	return e.Err
}

// InferenceError indicates a runtime execution failure. It is fatal for the
// affected batch but leaves other batches untouched. Items holds the input
// indices of the failing batch where attributable.
type InferenceError struct {
	Items []int
	Err   error
}

func (e *InferenceError) Error() string {
	if len(e.Items) == 0 {
		return fmt.Sprintf("inference failed: %v", e.Err)
	}
	items := make([]string, len(e.Items))
	for i, item := range e.Items {
		items[i] = fmt.Sprint(item)
	}
	return fmt.Sprintf("inference failed for items [%s]: %v", strings.Join(items, " "), e.Err)
}

func (e *InferenceError) Unwrap() error {
	return e.Err
}
