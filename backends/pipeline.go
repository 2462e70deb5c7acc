package backends

import "fmt"

// BasePipeline can be embedded by a pipeline.
type BasePipeline struct {
	PipelineName    string
	Model           *Model
	PipelineTimings *Timings
}

// Timings accumulates call counts and cumulative duration in nanoseconds.
// Updated with atomics, safe for concurrent pipeline runs.
type Timings struct {
	NumCalls uint64
	TotalNS  uint64
}

type InputOutputInfo struct {
	// The name of the input or output
	Name string
	// The input or output's dimensions, if it's a tensor. This should be
	// ignored for non-tensor types.
	Dimensions Shape
}

type Shape []int64

func (s Shape) String() string {
	return fmt.Sprintf("%v", []int64(s))
}

// TokenizedInput holds the result of running the tokenizer on an input.
type TokenizedInput struct {
	Raw               string
	Tokens            []string
	TokenIDs          []uint32
	TypeIDs           []uint32
	AttentionMask     []uint32
	SpecialTokensMask []uint32
	MaxAttentionIndex int
	Offsets           [][2]uint
	Truncated         bool
}

// PipelineBatch represents a batch of inputs that runs through the pipeline.
// A batch owns its items exclusively for the duration of one call and is
// destroyed after result extraction.
type PipelineBatch struct {
	Input             []TokenizedInput
	MaxSequenceLength int
	InputValues       any
	DestroyInputs     func() error
	OutputValues      []any
}

func (b *PipelineBatch) Destroy() error {
	return b.DestroyInputs()
}

// NewBatch initializes a new batch for inference.
func NewBatch() *PipelineBatch {
	return &PipelineBatch{DestroyInputs: func() error {
		return nil
	}}
}

func GetNames(info []InputOutputInfo) []string {
	names := make([]string, 0, len(info))
	for _, v := range info {
		names = append(names, v.Name)
	}
	return names
}
