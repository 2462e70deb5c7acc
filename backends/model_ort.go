package backends

import (
	"errors"
	"fmt"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/knights-analytics/gliner/options"
)

const (
	outputLogits         = "logits"
	outputRelationLogits = "relation_logits"
	outputRelLogits      = "rel_logits"
)

type ORTModel struct {
	Session        *ort.DynamicAdvancedSession
	SessionOptions *ort.SessionOptions
	Destroy        func() error
}

func createORTModelBackend(model *Model, opts *options.Options) error {
	sessionOptions, ok := opts.RuntimeOptions.(*ort.SessionOptions)
	if !ok {
		return errors.New("runtime session options have not been initialised")
	}

	inputs, outputs, err := loadInputOutputMetaORT(model.OnnxBytes)
	if err != nil {
		return err
	}

	session, errSession := ort.NewDynamicAdvancedSessionWithONNXData(
		model.OnnxBytes,
		GetNames(inputs),
		GetNames(outputs),
		sessionOptions,
	)
	if errSession != nil {
		return errSession
	}

	model.ORTModel = &ORTModel{Session: session, SessionOptions: sessionOptions, Destroy: func() error {
		return session.Destroy()
	}}
	model.InputsMeta = inputs
	model.OutputsMeta = outputs
	return nil
}

func loadInputOutputMetaORT(onnxBytes []byte) ([]InputOutputInfo, []InputOutputInfo, error) {
	inputs, outputs, err := ort.GetInputOutputInfoWithONNXData(onnxBytes)
	if err != nil {
		return nil, nil, err
	}
	return convertORTInputOutputs(inputs), convertORTInputOutputs(outputs), nil
}

// SpanInputs holds the span-mode model inputs beyond the tokenized text.
// Indices are word positions; SpanMask marks which candidate slots are real.
type SpanInputs struct {
	WordsMask   [][]int64
	TextLengths []int64
	SpanIdx     [][][2]int64
	SpanMask    [][]bool
	NumSpans    int
}

// CreateSpanTensors pads every item to the longest sequence in the batch and
// builds the input tensors the span-mode graph expects. Padding positions
// carry zero attention and are excluded from all downstream scores.
func CreateSpanTensors(batch *PipelineBatch, model *Model, spans *SpanInputs) error {
	batchSize := int64(len(batch.Input))
	maxSeqLen := int64(batch.MaxSequenceLength)
	numSpans := int64(spans.NumSpans)

	inputTensors := make([]ort.Value, len(model.InputsMeta))
	var destroyFuncs []func() error
	destroyAll := func() {
		for _, f := range destroyFuncs {
			_ = f()
		}
	}

	for i, meta := range model.InputsMeta {
		var tensor ort.Value
		var err error

		switch meta.Name {
		case "input_ids":
			backing := make([]int64, batchSize*maxSeqLen)
			for b, input := range batch.Input {
				for s, id := range input.TokenIDs {
					if s < int(maxSeqLen) {
						backing[b*int(maxSeqLen)+s] = int64(id)
					}
				}
			}
			tensor, err = ort.NewTensor(ort.NewShape(batchSize, maxSeqLen), backing)

		case "attention_mask":
			backing := make([]int64, batchSize*maxSeqLen)
			for b, input := range batch.Input {
				for s, m := range input.AttentionMask {
					if s < int(maxSeqLen) {
						backing[b*int(maxSeqLen)+s] = int64(m)
					}
				}
			}
			tensor, err = ort.NewTensor(ort.NewShape(batchSize, maxSeqLen), backing)

		case "token_type_ids":
			// not used by span-mode graphs but some exports still declare it
			backing := make([]int64, batchSize*maxSeqLen)
			tensor, err = ort.NewTensor(ort.NewShape(batchSize, maxSeqLen), backing)

		case "words_mask":
			backing := make([]int64, batchSize*maxSeqLen)
			for b := range spans.WordsMask {
				for s, w := range spans.WordsMask[b] {
					if s < int(maxSeqLen) {
						backing[b*int(maxSeqLen)+s] = w
					}
				}
			}
			tensor, err = ort.NewTensor(ort.NewShape(batchSize, maxSeqLen), backing)

		case "text_lengths":
			backing := make([]int64, batchSize)
			copy(backing, spans.TextLengths)
			tensor, err = ort.NewTensor(ort.NewShape(batchSize, 1), backing)

		case "span_idx":
			backing := make([]int64, batchSize*numSpans*2)
			for b := range spans.SpanIdx {
				for s, span := range spans.SpanIdx[b] {
					baseIdx := (b*int(numSpans) + s) * 2
					backing[baseIdx] = span[0]
					backing[baseIdx+1] = span[1]
				}
			}
			tensor, err = ort.NewTensor(ort.NewShape(batchSize, numSpans, 2), backing)

		case "span_mask":
			// onnxruntime bool tensors only go through the custom-data path
			backing := spanMaskBytes(spans.SpanMask, int(batchSize), int(numSpans))
			tensor, err = ort.NewCustomDataTensor(ort.NewShape(batchSize, numSpans), backing, ort.TensorElementDataTypeBool)

		default:
			destroyAll()
			return &InferenceError{Err: fmt.Errorf("unknown input meta name %s", meta.Name)}
		}

		if err != nil {
			destroyAll()
			return &InferenceError{Err: fmt.Errorf("creating %s tensor: %w", meta.Name, err)}
		}
		inputTensors[i] = tensor
		destroyFuncs = append(destroyFuncs, tensor.Destroy)
	}

	batch.InputValues = inputTensors
	batch.DestroyInputs = func() error {
		var errs []error
		for _, f := range destroyFuncs {
			if err := f(); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	}
	return nil
}

// RunSpanSession executes one forward pass for the batch. On success
// batch.OutputValues[0] holds the span logits as
// [batch][word][width][label]float32, and OutputValues[1] holds the pairwise
// relation logits as [batch][pair][relation]float32 when the graph has a
// relation head.
func RunSpanSession(batch *PipelineBatch, model *Model) error {
	inputTensors, ok := batch.InputValues.([]ort.Value)
	if !ok {
		return &InferenceError{Err: errors.New("input tensors have not been created")}
	}

	logitsIndex := -1
	relationIndex := -1
	for i, meta := range model.OutputsMeta {
		switch meta.Name {
		case outputLogits:
			logitsIndex = i
		case outputRelationLogits, outputRelLogits:
			relationIndex = i
		}
	}
	if logitsIndex < 0 {
		return &InferenceError{Err: errors.New("logits output not found in model outputs")}
	}

	// the dynamic session allocates the output tensors
	outputTensors := make([]ort.Value, len(model.OutputsMeta))
	defer func() {
		for _, t := range outputTensors {
			if t != nil {
				t.Destroy()
			}
		}
	}()

	if err := model.ORTModel.Session.Run(inputTensors, outputTensors); err != nil {
		return &InferenceError{Err: err}
	}

	logitsTensor, ok := outputTensors[logitsIndex].(*ort.Tensor[float32])
	if !ok {
		return &InferenceError{Err: errors.New("logits tensor has unexpected type")}
	}
	shape := logitsTensor.GetShape()
	if len(shape) != 4 {
		return &InferenceError{Err: fmt.Errorf("expected 4D logits, got shape %v", shape)}
	}
	if int(shape[0]) != len(batch.Input) {
		return &InferenceError{Err: fmt.Errorf("logits batch dimension %d does not match batch size %d", shape[0], len(batch.Input))}
	}

	outputs := []any{reshape4D(logitsTensor.GetData(), int(shape[0]), int(shape[1]), int(shape[2]), int(shape[3]))}

	if relationIndex >= 0 {
		relationTensor, relOk := outputTensors[relationIndex].(*ort.Tensor[float32])
		if !relOk {
			return &InferenceError{Err: errors.New("relation logits tensor has unexpected type")}
		}
		relShape := relationTensor.GetShape()
		if shapeErr := checkRelationLogitsShape(relShape, len(batch.Input)); shapeErr != nil {
			return shapeErr
		}
		outputs = append(outputs, reshape3D(relationTensor.GetData(), int(relShape[0]), int(relShape[1]), int(relShape[2])))
	}

	batch.OutputValues = outputs
	return nil
}

func spanMaskBytes(mask [][]bool, batchSize, numSpans int) []byte {
	backing := make([]byte, batchSize*numSpans)
	for b := range mask {
		for s, valid := range mask[b] {
			if valid {
				backing[b*numSpans+s] = 1
			}
		}
	}
	return backing
}

func checkRelationLogitsShape(shape ort.Shape, batchSize int) error {
	if len(shape) != 3 {
		return &InferenceError{Err: fmt.Errorf("expected 3D relation logits, got shape %v", shape)}
	}
	if int(shape[0]) != batchSize {
		return &InferenceError{Err: fmt.Errorf("relation logits batch dimension %d does not match batch size %d", shape[0], batchSize)}
	}
	return nil
}

func reshape4D(data []float32, d0, d1, d2, d3 int) [][][][]float32 {
	result := make([][][][]float32, d0)
	idx := 0
	for a := 0; a < d0; a++ {
		result[a] = make([][][]float32, d1)
		for b := 0; b < d1; b++ {
			result[a][b] = make([][]float32, d2)
			for c := 0; c < d2; c++ {
				result[a][b][c] = make([]float32, d3)
				for d := 0; d < d3; d++ {
					if idx < len(data) {
						result[a][b][c][d] = data[idx]
						idx++
					}
				}
			}
		}
	}
	return result
}

func reshape3D(data []float32, d0, d1, d2 int) [][][]float32 {
	result := make([][][]float32, d0)
	idx := 0
	for a := 0; a < d0; a++ {
		result[a] = make([][]float32, d1)
		for b := 0; b < d1; b++ {
			result[a][b] = make([]float32, d2)
			for c := 0; c < d2; c++ {
				if idx < len(data) {
					result[a][b][c] = data[idx]
					idx++
				}
			}
		}
	}
	return result
}

func convertORTInputOutputs(inputOutputs []ort.InputOutputInfo) []InputOutputInfo {
	inputOutputsStandardised := make([]InputOutputInfo, len(inputOutputs))
	for i, inputOutput := range inputOutputs {
		inputOutputsStandardised[i] = InputOutputInfo{
			Name:       inputOutput.Name,
			Dimensions: Shape(inputOutput.Dimensions),
		}
	}
	return inputOutputsStandardised
}
