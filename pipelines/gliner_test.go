package pipelines

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/knights-analytics/gliner/backends"
)

func newTestModel() *backends.Model {
	return &backends.Model{
		Config: backends.GLiNERConfig{
			ModelName:  "test-model",
			MaxWidth:   12,
			MaxTypes:   25,
			Activation: backends.ActivationSigmoid,
		},
		Tokenizer: &backends.Tokenizer{
			TokenizerTimings: &backends.Timings{},
		},
	}
}

func TestNewPipeline(t *testing.T) {
	t.Run("Defaults", func(t *testing.T) {
		pipeline, err := NewPipeline(newTestModel(), nil)
		assert.NoError(t, err)
		assert.Equal(t, 12, pipeline.MaxWidth)
		assert.Equal(t, float32(0.5), pipeline.Threshold)
		assert.Equal(t, ActivationSigmoid, pipeline.Activation)
		assert.Equal(t, OverlapStrict, pipeline.Overlap)
	})

	t.Run("Options", func(t *testing.T) {
		pipeline, err := NewPipeline(newTestModel(), nil,
			WithThreshold(0.9),
			WithRelationThreshold(0.4),
			WithMaxWidth(6),
			WithOverlapPolicy(OverlapAny),
			WithActivation(ActivationSoftmax),
			WithMultiLabel(true),
			WithMaxBatchSize(8),
			WithConcurrentBatches(2),
		)
		assert.NoError(t, err)
		assert.Equal(t, float32(0.9), pipeline.Threshold)
		assert.Equal(t, float32(0.4), pipeline.RelationThreshold)
		assert.Equal(t, 6, pipeline.MaxWidth)
		assert.Equal(t, OverlapAny, pipeline.Overlap)
		assert.Equal(t, ActivationSoftmax, pipeline.Activation)
		assert.True(t, pipeline.MultiLabel)
		assert.Equal(t, 8, pipeline.MaxBatchSize)
		assert.Equal(t, 2, pipeline.ConcurrentBatches)
	})

	t.Run("InvalidOptions", func(t *testing.T) {
		for name, option := range map[string]Option{
			"ThresholdAboveOne":     WithThreshold(1.5),
			"NegativeThreshold":     WithThreshold(-0.1),
			"RelationThreshold":     WithRelationThreshold(2),
			"ZeroMaxWidth":          WithMaxWidth(0),
			"UnknownOverlapPolicy":  WithOverlapPolicy(OverlapPolicy(9)),
			"UnknownActivation":     WithActivation("tanh"),
			"ZeroBatchSize":         WithMaxBatchSize(0),
			"ZeroConcurrentBatches": WithConcurrentBatches(0),
		} {
			t.Run(name, func(t *testing.T) {
				_, err := NewPipeline(newTestModel(), nil, option)
				assert.Error(t, err)
			})
		}
	})

	t.Run("MaxWidthAboveModelLimit", func(t *testing.T) {
		_, err := NewPipeline(newTestModel(), nil, WithMaxWidth(24))
		assert.Error(t, err)
	})
}

func TestRunShortcuts(t *testing.T) {
	pipeline, err := NewPipeline(newTestModel(), nil)
	assert.NoError(t, err)

	t.Run("NoTexts", func(t *testing.T) {
		output, runErr := pipeline.Run(context.Background(), nil, []string{"person"})
		assert.NoError(t, runErr)
		assert.Empty(t, output.Entities)
		assert.Empty(t, output.ItemErrors)
	})

	t.Run("NoLabels", func(t *testing.T) {
		// without labels nothing can match, the model is not invoked
		output, runErr := pipeline.Run(context.Background(), []string{"James Bond", "MI6"}, nil)
		assert.NoError(t, runErr)
		assert.Len(t, output.Entities, 2)
		assert.Empty(t, output.Entities[0])
		assert.Empty(t, output.Entities[1])
		assert.Nil(t, output.ItemErrors[0])
		assert.Nil(t, output.ItemErrors[1])
	})

	t.Run("TooManyLabels", func(t *testing.T) {
		labels := make([]string, 26)
		for i := range labels {
			labels[i] = string(rune('a' + i))
		}
		_, runErr := pipeline.Run(context.Background(), []string{"text"}, labels)
		assert.Error(t, runErr)
	})

	t.Run("SchemaWithoutRelationHead", func(t *testing.T) {
		schema := RelationSchema{{Relation: "works_for"}}
		_, runErr := pipeline.RunWithSchema(context.Background(), []string{"text"}, []string{"person"}, schema)
		assert.ErrorContains(t, runErr, "relation")
	})

	t.Run("EmptySchema", func(t *testing.T) {
		_, runErr := pipeline.RunWithSchema(context.Background(), []string{"text"}, []string{"person"}, nil)
		assert.Error(t, runErr)
	})
}

func TestRunBatching(t *testing.T) {
	newBatchingPipeline := func(t *testing.T) *GLiNERPipeline {
		pipeline, err := NewPipeline(newTestModel(), nil, WithMaxBatchSize(2), WithConcurrentBatches(3))
		assert.NoError(t, err)
		return pipeline
	}

	echoForward := func(texts []string, _ []string, _ RelationSchema, _ int) ([][]Entity, [][]Relation, []bool, []error, error) {
		entities := make([][]Entity, len(texts))
		for i, text := range texts {
			entities[i] = []Entity{{Text: text, Label: "person", Score: 0.9, End: len(text)}}
		}
		return entities, nil, make([]bool, len(texts)), make([]error, len(texts)), nil
	}

	t.Run("ResultsKeepInputOrder", func(t *testing.T) {
		pipeline := newBatchingPipeline(t)
		pipeline.forwardFunc = echoForward

		texts := []string{"alpha", "bravo", "charlie", "delta", "echo"}
		output, err := pipeline.Run(context.Background(), texts, []string{"person"})
		assert.NoError(t, err)
		assert.Len(t, output.Entities, len(texts))
		for i, text := range texts {
			assert.Nil(t, output.ItemErrors[i])
			assert.Equal(t, text, output.Entities[i][0].Text)
		}
	})

	t.Run("FailedBatchPoisonsOnlyItsItems", func(t *testing.T) {
		pipeline := newBatchingPipeline(t)
		pipeline.forwardFunc = func(texts []string, labels []string, schema RelationSchema, offset int) ([][]Entity, [][]Relation, []bool, []error, error) {
			if offset == 2 {
				return nil, nil, nil, nil, &backends.InferenceError{Err: errors.New("session failure")}
			}
			return echoForward(texts, labels, schema, offset)
		}

		texts := []string{"alpha", "bravo", "charlie", "delta", "echo"}
		output, err := pipeline.Run(context.Background(), texts, []string{"person"})
		assert.NoError(t, err)

		for _, i := range []int{0, 1, 4} {
			assert.Nil(t, output.ItemErrors[i])
			assert.Equal(t, texts[i], output.Entities[i][0].Text)
		}
		for _, i := range []int{2, 3} {
			var inferenceErr *backends.InferenceError
			assert.ErrorAs(t, output.ItemErrors[i], &inferenceErr)
			assert.Equal(t, []int{2, 3}, inferenceErr.Items)
			assert.Empty(t, output.Entities[i])
		}
	})
}

func TestGetStats(t *testing.T) {
	pipeline, err := NewPipeline(newTestModel(), nil)
	assert.NoError(t, err)

	_, err = pipeline.Run(context.Background(), nil, nil)
	assert.NoError(t, err)

	stats := pipeline.GetStats()
	assert.Len(t, stats, 6)
	assert.Contains(t, stats[0], "test-model")
	assert.Contains(t, stats[1], "1")
}
