package pipelines

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/knights-analytics/gliner/backends"
	"github.com/knights-analytics/gliner/options"
)

// Entity is a recognized span of the input text.
type Entity struct {
	Text  string  `json:"text"`
	Label string  `json:"label"`
	Score float32 `json:"score"`
	Start int     `json:"start"`
	End   int     `json:"end"`
}

// Relation is a scored, directed link between two entities of one text.
type Relation struct {
	Relation string  `json:"relation"`
	Subject  Entity  `json:"subject"`
	Object   Entity  `json:"object"`
	Score    float32 `json:"score"`
}

// Output holds the per-text results of one pipeline run. All slices are
// indexed by input position. Relations is nil unless a schema was supplied.
// ItemErrors[i] is non-nil when item i could not be processed; the other
// items of the run are unaffected.
type Output struct {
	Entities   [][]Entity
	Relations  [][]Relation
	Truncated  []bool
	ItemErrors []error
}

// GLiNERPipeline performs zero-shot named entity recognition with an
// optional relation head. Labels are supplied per call rather than fixed at
// construction, so a single pipeline serves arbitrary label sets.
type GLiNERPipeline struct {
	*backends.BasePipeline
	MaxWidth          int
	Threshold         float32
	RelationThreshold float32
	Activation        string
	Overlap           OverlapPolicy
	MultiLabel        bool
	MaxBatchSize      int
	ConcurrentBatches int

	logger *zap.Logger
	sem    *semaphore.Weighted

	// forwardFunc runs one forward pass; replaced in tests
	forwardFunc func(texts []string, labels []string, schema RelationSchema, offset int) ([][]Entity, [][]Relation, []bool, []error, error)
}

// Option configures a pipeline at construction time.
type Option func(*GLiNERPipeline) error

// WithThreshold sets the minimum score for an entity to be reported.
func WithThreshold(threshold float32) Option {
	return func(p *GLiNERPipeline) error {
		if threshold < 0 || threshold > 1 {
			return fmt.Errorf("threshold must be between 0 and 1, got %f", threshold)
		}
		p.Threshold = threshold
		return nil
	}
}

// WithRelationThreshold sets the minimum score for a relation to be reported.
func WithRelationThreshold(threshold float32) Option {
	return func(p *GLiNERPipeline) error {
		if threshold < 0 || threshold > 1 {
			return fmt.Errorf("relation threshold must be between 0 and 1, got %f", threshold)
		}
		p.RelationThreshold = threshold
		return nil
	}
}

// WithMaxWidth caps the width of candidate spans in words.
func WithMaxWidth(maxWidth int) Option {
	return func(p *GLiNERPipeline) error {
		if maxWidth <= 0 {
			return errors.New("maxWidth must be positive")
		}
		p.MaxWidth = maxWidth
		return nil
	}
}

// WithOverlapPolicy selects how overlapping spans are resolved.
func WithOverlapPolicy(policy OverlapPolicy) Option {
	return func(p *GLiNERPipeline) error {
		switch policy {
		case OverlapStrict, OverlapSameLabel, OverlapAny:
			p.Overlap = policy
			return nil
		default:
			return fmt.Errorf("unknown overlap policy %d", int(policy))
		}
	}
}

// WithActivation overrides the score calibration declared by the model.
func WithActivation(activation string) Option {
	return func(p *GLiNERPipeline) error {
		switch activation {
		case ActivationSigmoid, ActivationSoftmax:
			p.Activation = activation
			return nil
		default:
			return fmt.Errorf("unknown activation %q", activation)
		}
	}
}

// WithMultiLabel reports every label above the threshold for a span instead
// of only the best one.
func WithMultiLabel(multiLabel bool) Option {
	return func(p *GLiNERPipeline) error {
		p.MultiLabel = multiLabel
		return nil
	}
}

// WithMaxBatchSize caps the number of texts sent through one forward pass.
func WithMaxBatchSize(size int) Option {
	return func(p *GLiNERPipeline) error {
		if size <= 0 {
			return errors.New("maxBatchSize must be positive")
		}
		p.MaxBatchSize = size
		return nil
	}
}

// WithConcurrentBatches bounds the number of forward passes in flight.
func WithConcurrentBatches(n int) Option {
	return func(p *GLiNERPipeline) error {
		if n <= 0 {
			return errors.New("concurrentBatches must be positive")
		}
		p.ConcurrentBatches = n
		return nil
	}
}

// NewPipeline creates a pipeline on a loaded model. Defaults come from the
// model's configuration and can be overridden per option.
func NewPipeline(model *backends.Model, opts *options.Options, pipelineOptions ...Option) (*GLiNERPipeline, error) {
	pipeline := &GLiNERPipeline{
		BasePipeline: &backends.BasePipeline{
			PipelineName:    model.Config.ModelName,
			Model:           model,
			PipelineTimings: &backends.Timings{},
		},
		MaxWidth:          model.Config.MaxWidth,
		Threshold:         0.5,
		RelationThreshold: 0.5,
		Activation:        model.Config.Activation,
		Overlap:           OverlapStrict,
		MaxBatchSize:      32,
		ConcurrentBatches: 4,
		logger:            zap.NewNop(),
	}
	if opts != nil && opts.Logger != nil {
		pipeline.logger = opts.Logger
	}
	for _, o := range pipelineOptions {
		if err := o(pipeline); err != nil {
			return nil, err
		}
	}
	if err := pipeline.Validate(); err != nil {
		return nil, err
	}
	pipeline.sem = semaphore.NewWeighted(int64(pipeline.ConcurrentBatches))
	pipeline.forwardFunc = pipeline.forward
	return pipeline, nil
}

// Validate checks the pipeline configuration against the model.
func (p *GLiNERPipeline) Validate() error {
	if p.Model == nil {
		return errors.New("pipeline has no model")
	}
	if p.MaxWidth > p.Model.Config.MaxWidth {
		return fmt.Errorf("maxWidth %d exceeds the model's span width %d", p.MaxWidth, p.Model.Config.MaxWidth)
	}
	return nil
}

// Run extracts entities for every text. Each text is scored against the same
// label set. Failures of individual items or batches are reported through
// Output.ItemErrors and do not abort the run.
func (p *GLiNERPipeline) Run(ctx context.Context, texts []string, labels []string) (*Output, error) {
	return p.run(ctx, texts, labels, nil)
}

// RunWithSchema extracts entities and then scores relations between them,
// constrained by the schema. The model must expose a relation head.
func (p *GLiNERPipeline) RunWithSchema(ctx context.Context, texts []string, labels []string, schema RelationSchema) (*Output, error) {
	if len(schema) == 0 {
		return nil, errors.New("relation schema is empty")
	}
	if !p.Model.HasRelationOutput() {
		return nil, fmt.Errorf("model %s has no relation output, relation extraction is unavailable", p.PipelineName)
	}
	return p.run(ctx, texts, labels, schema)
}

func (p *GLiNERPipeline) run(ctx context.Context, texts []string, labels []string, schema RelationSchema) (*Output, error) {
	start := time.Now()
	defer func() {
		atomic.AddUint64(&p.PipelineTimings.NumCalls, 1)
		atomic.AddUint64(&p.PipelineTimings.TotalNS, uint64(time.Since(start)))
	}()

	output := &Output{
		Entities:   make([][]Entity, len(texts)),
		Truncated:  make([]bool, len(texts)),
		ItemErrors: make([]error, len(texts)),
	}
	if schema != nil {
		output.Relations = make([][]Relation, len(texts))
	}
	for i := range output.Entities {
		output.Entities[i] = []Entity{}
	}
	if len(texts) == 0 || len(labels) == 0 {
		return output, nil
	}

	if maxTypes := p.Model.Config.MaxTypes; maxTypes > 0 && len(labels) > maxTypes {
		return nil, fmt.Errorf("%d labels exceed the model's limit of %d", len(labels), maxTypes)
	}

	var wg sync.WaitGroup
	for offset := 0; offset < len(texts); offset += p.MaxBatchSize {
		end := min(offset+p.MaxBatchSize, len(texts))
		if err := p.sem.Acquire(ctx, 1); err != nil {
			wg.Wait()
			return nil, err
		}
		wg.Add(1)
		go func(offset, end int) {
			defer wg.Done()
			defer p.sem.Release(1)
			p.runBatch(texts[offset:end], labels, schema, offset, output)
		}(offset, end)
	}
	wg.Wait()
	return output, nil
}

// runBatch runs one forward pass and decodes its results into output at the
// given offset. A failure of the whole batch is recorded on every item of
// the batch and nowhere else.
func (p *GLiNERPipeline) runBatch(texts []string, labels []string, schema RelationSchema, offset int, output *Output) {
	entities, relations, truncated, itemErrors, err := p.forwardFunc(texts, labels, schema, offset)
	if err != nil {
		var inferenceErr *backends.InferenceError
		if errors.As(err, &inferenceErr) && len(inferenceErr.Items) == 0 {
			items := make([]int, len(texts))
			for i := range items {
				items[i] = offset + i
			}
			inferenceErr.Items = items
		}
		p.logger.Warn("batch inference failed",
			zap.String("pipeline", p.PipelineName),
			zap.Int("offset", offset),
			zap.Int("size", len(texts)),
			zap.Error(err))
		for i := range texts {
			output.ItemErrors[offset+i] = err
		}
		return
	}
	for i := range texts {
		output.Entities[offset+i] = entities[i]
		output.Truncated[offset+i] = truncated[i]
		output.ItemErrors[offset+i] = itemErrors[i]
		if schema != nil {
			output.Relations[offset+i] = relations[i]
		}
	}
}

func (p *GLiNERPipeline) forward(texts []string, labels []string, schema RelationSchema, offset int) ([][]Entity, [][]Relation, []bool, []error, error) {
	var prompt string
	if schema != nil {
		prompt = buildCombinedPrompt(labels, relationNames(schema))
	} else {
		prompt = buildLabelPrompt(labels)
	}
	prefixLen := uint(promptLength(prompt))

	inputs := make([]string, len(texts))
	for i, text := range texts {
		inputs[i] = prompt + " " + text
	}

	batch := backends.NewBatch()
	tokenizeStart := time.Now()
	backends.Tokenize(batch, p.Model.Tokenizer, inputs)
	atomic.AddUint64(&p.Model.Tokenizer.TokenizerTimings.NumCalls, uint64(len(inputs)))
	atomic.AddUint64(&p.Model.Tokenizer.TokenizerTimings.TotalNS, uint64(time.Since(tokenizeStart)))

	entities := make([][]Entity, len(texts))
	relations := make([][]Relation, len(texts))
	truncated := make([]bool, len(texts))
	itemErrors := make([]error, len(texts))

	wordsMasks := make([][]int64, len(texts))
	wordOffsets := make([][][2]int, len(texts))
	wordCounts := make([]int64, len(texts))
	maxWords := int64(0)
	for i := range texts {
		entities[i] = []Entity{}
		truncated[i] = batch.Input[i].Truncated
		mask, offsets, count := wordMaps(texts[i], &batch.Input[i], prefixLen, batch.MaxSequenceLength)
		if count == 0 && batch.Input[i].Truncated {
			// the label prompt alone filled the model window
			itemErrors[i] = &EncodingError{Item: offset + i, Err: errors.New("no text words fit after the label prompt")}
		}
		wordsMasks[i] = mask
		wordOffsets[i] = offsets
		wordCounts[i] = count
		if count > maxWords {
			maxWords = count
		}
	}
	if maxWords == 0 {
		return entities, relations, truncated, itemErrors, nil
	}

	spans := buildSpanInputs(wordCounts, p.MaxWidth)
	spans.WordsMask = wordsMasks
	if err := backends.CreateSpanTensors(batch, p.Model, spans); err != nil {
		return nil, nil, nil, nil, err
	}
	defer func() {
		if destroyErr := batch.Destroy(); destroyErr != nil {
			p.logger.Warn("failed to destroy batch tensors", zap.Error(destroyErr))
		}
	}()
	if err := backends.RunSpanSession(batch, p.Model); err != nil {
		return nil, nil, nil, nil, err
	}

	logits, ok := batch.OutputValues[0].([][][][]float32)
	if !ok {
		return nil, nil, nil, nil, &backends.InferenceError{Err: errors.New("span logits have unexpected type")}
	}
	var relLogits [][][]float32
	if schema != nil {
		if len(batch.OutputValues) < 2 {
			return nil, nil, nil, nil, &backends.InferenceError{Err: errors.New("model produced no relation logits")}
		}
		relLogits, ok = batch.OutputValues[1].([][][]float32)
		if !ok {
			return nil, nil, nil, nil, &backends.InferenceError{Err: errors.New("relation logits have unexpected type")}
		}
	}

	for i := range texts {
		if itemErrors[i] != nil {
			continue
		}
		decoded, err := decodeEntities(logits[i], wordCounts[i], wordOffsets[i], texts[i], labels,
			p.Threshold, p.Activation, p.MultiLabel, p.Overlap)
		if err != nil {
			itemErrors[i] = err
			continue
		}
		entities[i] = decoded

		if schema != nil {
			itemRelations, relErr := decodeRelations(relLogits[i], decoded, schema, p.RelationThreshold)
			if relErr != nil {
				itemErrors[i] = relErr
				continue
			}
			relations[i] = itemRelations
		}
	}

	return entities, relations, truncated, itemErrors, nil
}

// GetStats returns human readable runtime statistics.
func (p *GLiNERPipeline) GetStats() []string {
	numCalls := atomic.LoadUint64(&p.PipelineTimings.NumCalls)
	totalNS := atomic.LoadUint64(&p.PipelineTimings.TotalNS)
	tokenizerCalls := atomic.LoadUint64(&p.Model.Tokenizer.TokenizerTimings.NumCalls)
	tokenizerNS := atomic.LoadUint64(&p.Model.Tokenizer.TokenizerTimings.TotalNS)
	return []string{
		fmt.Sprintf("Statistics for pipeline: %s", p.PipelineName),
		fmt.Sprintf("Total inference calls: %d", numCalls),
		fmt.Sprintf("Total inference time: %s", time.Duration(totalNS)),
		fmt.Sprintf("Average inference time per call: %s", safeAverage(totalNS, numCalls)),
		fmt.Sprintf("Total tokenizer calls: %d", tokenizerCalls),
		fmt.Sprintf("Average tokenizer time per call: %s", safeAverage(tokenizerNS, tokenizerCalls)),
	}
}

func safeAverage(totalNS, calls uint64) time.Duration {
	if calls == 0 {
		return 0
	}
	return time.Duration(totalNS / calls)
}
