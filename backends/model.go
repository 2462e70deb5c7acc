package backends

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	jsoniter "github.com/json-iterator/go"

	"github.com/knights-analytics/gliner/options"
	"github.com/knights-analytics/gliner/util"
)

// Activation names the score calibration applied to raw span logits.
const (
	ActivationSigmoid = "sigmoid"
	ActivationSoftmax = "softmax"
)

// GLiNERConfig mirrors the gliner_config.json file that ships next to the
// onnx graph. Only the hyperparameters the inference path needs are read.
type GLiNERConfig struct {
	ModelName  string `json:"model_name"`
	MaxWidth   int    `json:"max_width"`
	MaxLen     int    `json:"max_len"`
	MaxTypes   int    `json:"max_types"`
	SpanMode   string `json:"span_mode"`
	Activation string `json:"activation"`
}

// Model holds the loaded onnx graph, its metadata and the tokenizer. It is
// read-only after LoadModel returns and may be shared by concurrent
// inference calls.
type Model struct {
	Path                  string
	OnnxFilename          string
	OnnxBytes             []byte
	ORTModel              *ORTModel
	Tokenizer             *Tokenizer
	InputsMeta            []InputOutputInfo
	OutputsMeta           []InputOutputInfo
	MaxPositionEmbeddings int
	SeparatorToken        string
	Config                GLiNERConfig
	Destroy               func() error
}

// spanInputNames are the tensors a span-mode graph must accept.
var spanInputNames = []string{"input_ids", "attention_mask", "words_mask", "text_lengths", "span_idx", "span_mask"}

// LoadModel reads the model assets at path and creates the runtime session.
// All failures are *ModelLoadError: bad assets are fatal at initialization
// and never retried.
func LoadModel(path string, onnxFilename string, opts *options.Options) (*Model, error) {
	model := &Model{
		Path:         path,
		OnnxFilename: onnxFilename,
	}

	if err := loadOnnxModelBytes(model); err != nil {
		return nil, &ModelLoadError{Path: path, Err: err}
	}
	if err := loadGLiNERConfig(model); err != nil {
		return nil, &ModelLoadError{Path: path, Err: err}
	}
	if err := loadModelConfig(model); err != nil {
		return nil, &ModelLoadError{Path: path, Err: err}
	}
	if err := createORTModelBackend(model, opts); err != nil {
		return nil, &ModelLoadError{Path: path, Err: err}
	}
	if err := validateSpanGraph(model); err != nil {
		destroyErr := model.ORTModel.Destroy()
		return nil, &ModelLoadError{Path: path, Err: errors.Join(err, destroyErr)}
	}
	if err := loadTokenizer(model); err != nil {
		destroyErr := model.ORTModel.Destroy()
		return nil, &ModelLoadError{Path: path, Err: errors.Join(err, destroyErr)}
	}

	model.Destroy = func() error {
		return errors.Join(
			model.Tokenizer.Destroy(),
			model.ORTModel.Destroy(),
		)
	}
	return model, nil
}

func loadOnnxModelBytes(model *Model) error {
	var modelOnnxFile string
	onnxFiles, err := getOnnxFiles(model.Path)
	if err != nil {
		return err
	}
	if len(onnxFiles) == 0 {
		return fmt.Errorf("no .onnx file detected at %s", model.Path)
	}
	if len(onnxFiles) > 1 {
		if model.OnnxFilename == "" {
			return fmt.Errorf("multiple .onnx files detected at %s and no OnnxFilename specified", model.Path)
		}
		modelNameFound := false
		for i := range onnxFiles {
			if onnxFiles[i][1] == model.OnnxFilename {
				modelNameFound = true
				modelOnnxFile = util.PathJoinSafe(onnxFiles[i]...)
			}
		}
		if !modelNameFound {
			return fmt.Errorf("file %s not found at %s", model.OnnxFilename, model.Path)
		}
	} else {
		modelOnnxFile = util.PathJoinSafe(onnxFiles[0]...)
	}

	onnxBytes, err := util.ReadFileBytes(modelOnnxFile)
	if err != nil {
		return err
	}
	model.OnnxBytes = onnxBytes
	return nil
}

func getOnnxFiles(path string) ([][]string, error) {
	var onnxFiles [][]string
	walker := func(_ context.Context, _ string, parent string, info os.FileInfo, _ io.Reader) (toContinue bool, err error) {
		if strings.HasSuffix(info.Name(), ".onnx") {
			onnxFiles = append(onnxFiles, []string{util.PathJoinSafe(path, parent), info.Name()})
		}
		return true, nil
	}
	err := util.WalkDir()(context.Background(), path, walker)
	return onnxFiles, err
}

// loadGLiNERConfig reads the required gliner_config.json sibling file with
// the model hyperparameters.
func loadGLiNERConfig(model *Model) error {
	configPath := util.PathJoinSafe(model.Path, "gliner_config.json")

	exists, err := util.FileExists(configPath)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("no gliner_config.json detected at %s", model.Path)
	}

	configBytes, err := util.ReadFileBytes(configPath)
	if err != nil {
		return err
	}

	config := GLiNERConfig{}
	if err := jsoniter.Unmarshal(configBytes, &config); err != nil {
		return fmt.Errorf("parsing gliner_config.json: %w", err)
	}

	if config.MaxWidth <= 0 {
		return fmt.Errorf("gliner_config.json: max_width must be positive, got %d", config.MaxWidth)
	}
	switch config.Activation {
	case "":
		config.Activation = ActivationSigmoid
	case ActivationSigmoid, ActivationSoftmax:
	default:
		return fmt.Errorf("gliner_config.json: unknown activation %q", config.Activation)
	}
	if config.SpanMode == "token_level" {
		return fmt.Errorf("token-level graphs are not supported, re-export the model in span mode")
	}

	model.Config = config
	return nil
}

// loadModelConfig reads the optional transformer config.json and
// special_tokens_map.json for sequence limits and the separator token.
func loadModelConfig(model *Model) error {
	configPath := util.PathJoinSafe(model.Path, "config.json")

	exists, err := util.FileExists(configPath)
	if err != nil {
		return err
	}
	if exists {
		configBytes, readErr := util.ReadFileBytes(configPath)
		if readErr != nil {
			return readErr
		}

		configMap := map[string]any{}
		if readErr = jsoniter.Unmarshal(configBytes, &configMap); readErr != nil {
			return fmt.Errorf("parsing config.json: %w", readErr)
		}

		if maxPositionEmbeddingsRaw, existsOk := configMap["max_position_embeddings"]; existsOk {
			if maxPositionEmbeddings, castOk := maxPositionEmbeddingsRaw.(float64); castOk {
				model.MaxPositionEmbeddings = int(maxPositionEmbeddings)
			}
		}
	}

	// the encoder window is the stricter of the transformer and gliner limits
	if model.Config.MaxLen > 0 && (model.MaxPositionEmbeddings == 0 || model.Config.MaxLen < model.MaxPositionEmbeddings) {
		model.MaxPositionEmbeddings = model.Config.MaxLen
	}

	specialTokensPath := util.PathJoinSafe(model.Path, "special_tokens_map.json")
	exists, err = util.FileExists(specialTokensPath)
	if err != nil {
		return err
	}
	if exists {
		configBytes, readErr := util.ReadFileBytes(specialTokensPath)
		if readErr != nil {
			return readErr
		}
		var configMap map[string]any
		if readErr = jsoniter.Unmarshal(configBytes, &configMap); readErr != nil {
			return fmt.Errorf("parsing special_tokens_map.json: %w", readErr)
		}

		if sepToken, ok := configMap["sep_token"]; ok {
			switch v := sepToken.(type) {
			case map[string]any:
				if t, contentOk := v["content"]; contentOk {
					if tString, stringOk := t.(string); stringOk {
						model.SeparatorToken = tString
					}
				}
			case string:
				model.SeparatorToken = v
			}
		}
	}

	return nil
}

// validateSpanGraph checks that the graph exposes the span-mode input and
// output tensors.
func validateSpanGraph(model *Model) error {
	var validationErrors []error

	found := map[string]bool{}
	for _, meta := range model.InputsMeta {
		found[meta.Name] = true
	}
	for _, name := range spanInputNames {
		if !found[name] {
			validationErrors = append(validationErrors, fmt.Errorf("graph is missing required input %s", name))
		}
	}

	hasLogits := false
	for _, meta := range model.OutputsMeta {
		if meta.Name == outputLogits {
			hasLogits = true
			break
		}
	}
	if !hasLogits {
		validationErrors = append(validationErrors, fmt.Errorf("graph is missing required output %s", outputLogits))
	}

	return errors.Join(validationErrors...)
}

// HasRelationOutput reports whether the graph exposes a pairwise relation
// head next to the span logits.
func (m *Model) HasRelationOutput() bool {
	for _, meta := range m.OutputsMeta {
		if meta.Name == outputRelationLogits || meta.Name == outputRelLogits {
			return true
		}
	}
	return false
}
