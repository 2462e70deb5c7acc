// Package gliner runs zero-shot named entity recognition and schema
// constrained relation extraction with GLiNER onnx models. A session owns the
// onnxruntime environment, one loaded model and one pipeline, and serves
// concurrent prediction calls.
package gliner

import (
	"context"
	"errors"
	"fmt"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/zap"

	"github.com/knights-analytics/gliner/backends"
	"github.com/knights-analytics/gliner/options"
	"github.com/knights-analytics/gliner/pipelines"
	"github.com/knights-analytics/gliner/util"
)

// Entity is a recognized span of an input text.
type Entity = pipelines.Entity

// Relation is a scored, directed link between two entities.
type Relation = pipelines.Relation

// Output holds per-text entities, relations and item errors.
type Output = pipelines.Output

// RelationSchema constrains which relations are scored between which labels.
type RelationSchema = pipelines.RelationSchema

// RelationSchemaEntry is one relation constraint of a schema.
type RelationSchemaEntry = pipelines.RelationSchemaEntry

// SessionOption configures the runtime environment, see the options package.
type SessionOption = options.WithOption

// PipelineOption configures decoding, see the pipelines package.
type PipelineOption = pipelines.Option

// Config describes the model a session should load and how.
type Config struct {
	// ModelPath is a local directory holding the onnx graph,
	// gliner_config.json and tokenizer.json.
	ModelPath string
	// OnnxFilename selects the graph file when the directory holds more
	// than one.
	OnnxFilename    string
	SessionOptions  []SessionOption
	PipelineOptions []PipelineOption
}

// Session is the entry point of the library. Predictions take a read lock so
// they run concurrently with each other; Reload and Destroy take the write
// lock and wait for in-flight predictions to drain.
type Session struct {
	mu                 sync.RWMutex
	config             Config
	model              *backends.Model
	pipeline           *pipelines.GLiNERPipeline
	options            *options.Options
	environmentDestroy func() error
	destroyed          bool
}

// NewSession initialises onnxruntime, loads the model and builds the
// pipeline. Only one session can be active in a process at a time.
func NewSession(config Config) (*Session, error) {
	if config.ModelPath == "" {
		return nil, errors.New("a model path is required")
	}

	if ort.IsInitialized() {
		return nil, errors.New("another session is currently active, and only one session can be active at one time")
	}

	parsedOptions := options.Defaults()
	for _, option := range config.SessionOptions {
		if err := option(parsedOptions); err != nil {
			return nil, err
		}
	}

	session := &Session{
		config:  config,
		options: parsedOptions,
		environmentDestroy: func() error {
			return nil
		},
	}

	if initialised, err := session.initialiseORT(); err != nil {
		if initialised {
			destroyErr := parsedOptions.Destroy()
			envErr := ort.DestroyEnvironment()
			return nil, errors.Join(err, destroyErr, envErr)
		}
		return nil, err
	}
	session.environmentDestroy = func() error {
		return ort.DestroyEnvironment()
	}

	if err := session.load(); err != nil {
		destroyErr := session.Destroy()
		return nil, errors.Join(err, destroyErr)
	}

	parsedOptions.Logger.Info("session initialised",
		zap.String("modelPath", config.ModelPath),
		zap.String("model", session.model.Config.ModelName),
		zap.Bool("relationHead", session.model.HasRelationOutput()))
	return session, nil
}

// load reads the model and builds the pipeline. Callers hold the write lock
// or exclusive ownership of the session.
func (s *Session) load() error {
	model, err := backends.LoadModel(s.config.ModelPath, s.config.OnnxFilename, s.options)
	if err != nil {
		return err
	}
	pipeline, err := pipelines.NewPipeline(model, s.options, s.config.PipelineOptions...)
	if err != nil {
		return errors.Join(err, model.Destroy())
	}
	s.model = model
	s.pipeline = pipeline
	return nil
}

func (s *Session) initialiseORT() (bool, error) {
	o := s.options.ORTOptions
	if o.LibraryPath != nil {
		ortPathExists, err := util.FileExists(*o.LibraryPath)
		if err != nil {
			return false, err
		}
		if !ortPathExists {
			return false, fmt.Errorf("cannot find the ort library at: %s", *o.LibraryPath)
		}
		ort.SetSharedLibraryPath(*o.LibraryPath)
	}

	if err := ort.InitializeEnvironment(); err != nil {
		return false, err
	}

	if o.Telemetry != nil && *o.Telemetry {
		if err := ort.EnableTelemetry(); err != nil {
			return true, err
		}
	} else {
		if err := ort.DisableTelemetry(); err != nil {
			return true, err
		}
	}

	sessionOptions, optionsError := ort.NewSessionOptions()
	if optionsError != nil {
		return true, optionsError
	}
	s.options.RuntimeOptions = sessionOptions
	s.options.Destroy = func() error {
		return sessionOptions.Destroy()
	}

	if o.IntraOpNumThreads != nil {
		if err := sessionOptions.SetIntraOpNumThreads(*o.IntraOpNumThreads); err != nil {
			return true, err
		}
	}
	if o.InterOpNumThreads != nil {
		if err := sessionOptions.SetInterOpNumThreads(*o.InterOpNumThreads); err != nil {
			return true, err
		}
	}
	if o.CPUMemArena != nil {
		if err := sessionOptions.SetCpuMemArena(*o.CPUMemArena); err != nil {
			return true, err
		}
	}
	if o.MemPattern != nil {
		if err := sessionOptions.SetMemPattern(*o.MemPattern); err != nil {
			return true, err
		}
	}
	if o.CudaOptions != nil {
		cudaOptions, optErr := ort.NewCUDAProviderOptions()
		if optErr != nil {
			return true, optErr
		}
		if len(o.CudaOptions) > 0 {
			if optErr = cudaOptions.Update(o.CudaOptions); optErr != nil {
				return true, optErr
			}
		}
		if err := sessionOptions.AppendExecutionProviderCUDA(cudaOptions); err != nil {
			return true, err
		}
	}
	if o.CoreMLFlags != nil {
		if err := sessionOptions.AppendExecutionProviderCoreML(*o.CoreMLFlags); err != nil {
			return true, err
		}
	}
	if o.DirectMLOptions != nil {
		if err := sessionOptions.AppendExecutionProviderDirectML(*o.DirectMLOptions); err != nil {
			return true, err
		}
	}
	if o.OpenVINOOptions != nil {
		if err := sessionOptions.AppendExecutionProviderOpenVINO(o.OpenVINOOptions); err != nil {
			return true, err
		}
	}
	if o.TensorRTOptions != nil {
		tensorRTOptions, optErr := ort.NewTensorRTProviderOptions()
		if optErr != nil {
			return true, optErr
		}
		if len(o.TensorRTOptions) > 0 {
			if optErr = tensorRTOptions.Update(o.TensorRTOptions); optErr != nil {
				return true, optErr
			}
		}
		if err := sessionOptions.AppendExecutionProviderTensorRT(tensorRTOptions); err != nil {
			return true, err
		}
	}

	return true, nil
}

// PredictEntities extracts entities of the given labels from every text.
func (s *Session) PredictEntities(ctx context.Context, texts []string, labels []string) (*Output, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.destroyed {
		return nil, errors.New("session has been destroyed")
	}
	return s.pipeline.Run(ctx, texts, labels)
}

// ExtractRelations extracts entities and then relations between them,
// constrained by the schema. The loaded model must have a relation head.
func (s *Session) ExtractRelations(ctx context.Context, texts []string, labels []string, schema RelationSchema) (*Output, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.destroyed {
		return nil, errors.New("session has been destroyed")
	}
	return s.pipeline.RunWithSchema(ctx, texts, labels, schema)
}

// Reload drops the loaded model and loads it again from the configured path.
// In-flight predictions finish on the old model before the swap.
func (s *Session) Reload() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		return errors.New("session has been destroyed")
	}

	oldModel := s.model
	if err := s.load(); err != nil {
		// the old model is still intact, keep serving it
		return fmt.Errorf("reloading model from %s: %w", s.config.ModelPath, err)
	}
	s.options.Logger.Info("session reloaded", zap.String("modelPath", s.config.ModelPath))
	if oldModel != nil {
		return oldModel.Destroy()
	}
	return nil
}

// GetStats returns runtime statistics of the pipeline.
func (s *Session) GetStats() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.destroyed {
		return nil
	}
	return s.pipeline.GetStats()
}

// Destroy frees the model, the runtime session options and the onnxruntime
// environment. The session cannot be used afterwards.
func (s *Session) Destroy() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		return nil
	}
	s.destroyed = true

	var err error
	if s.model != nil {
		err = errors.Join(err, s.model.Destroy())
		s.model = nil
	}
	err = errors.Join(err, s.options.Destroy(), s.environmentDestroy())
	return err
}
