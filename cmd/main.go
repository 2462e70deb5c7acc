package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	jsoniter "github.com/json-iterator/go"
	"github.com/mattn/go-isatty"
	"github.com/urfave/cli/v2"

	"github.com/knights-analytics/gliner"
	"github.com/knights-analytics/gliner/options"
	"github.com/knights-analytics/gliner/pipelines"
	"github.com/knights-analytics/gliner/util"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var modelPath string
var inputPath string
var outputPath string
var labelsFlag string
var schemaPath string
var threshold float64
var relationThreshold float64
var overlapFlag string
var multiLabel bool
var batchSize int
var sharedLibraryDir string

var runCommand = &cli.Command{
	Name:  "run",
	Usage: "Run zero-shot entity and relation extraction on input data",
	Description: `Run expects a path to a file with input in .jsonl format. Each json line in the file must be of the format {"text": "input string"} to be processed.
				`,
	ArgsUsage: `
				--input: path to a .jsonl file or a folder with .jsonl files to process. If omitted, the input will be read from stdin.
				--output: path to a folder where to write the output. If omitted, the output will be sent to stdout.
				--model: path to a folder with the onnx model, gliner_config.json and tokenizer.json.
				--labels: comma separated entity labels to extract, e.g. "person,organisation".
				--schema: path to a json file with relation constraints. When given, relations are extracted as well.
				--onnxruntimeSharedLibrary: path to the folder holding the onnxruntime shared library.
				`,
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:        "model",
			Usage:       "Path to the model folder",
			Aliases:     []string{"p"},
			Destination: &modelPath,
			Required:    true,
		},
		&cli.StringFlag{
			Name:        "input",
			Usage:       "Path to the input data",
			Aliases:     []string{"i"},
			Destination: &inputPath,
		},
		&cli.StringFlag{
			Name:        "output",
			Usage:       "Path to output",
			Aliases:     []string{"o"},
			Destination: &outputPath,
		},
		&cli.StringFlag{
			Name:        "labels",
			Usage:       "Comma separated entity labels",
			Aliases:     []string{"l"},
			Destination: &labelsFlag,
			Required:    true,
		},
		&cli.StringFlag{
			Name:        "schema",
			Usage:       "Path to a relation schema json file",
			Aliases:     []string{"r"},
			Destination: &schemaPath,
		},
		&cli.Float64Flag{
			Name:        "threshold",
			Usage:       "Minimum score for an entity to be reported",
			Destination: &threshold,
			Value:       0.5,
		},
		&cli.Float64Flag{
			Name:        "relationThreshold",
			Usage:       "Minimum score for a relation to be reported",
			Destination: &relationThreshold,
			Value:       0.5,
		},
		&cli.StringFlag{
			Name:        "overlap",
			Usage:       "Overlap policy: strict, sameLabel or any",
			Destination: &overlapFlag,
			Value:       "strict",
		},
		&cli.BoolFlag{
			Name:        "multiLabel",
			Usage:       "Report every label above the threshold per span",
			Destination: &multiLabel,
		},
		&cli.IntFlag{
			Name:        "batchSize",
			Usage:       "Number of inputs to process in a batch",
			Aliases:     []string{"b"},
			Destination: &batchSize,
			Value:       20,
		},
		&cli.StringFlag{
			Name:        "onnxruntimeSharedLibrary",
			Usage:       "Path to the folder holding the onnxruntime shared library",
			Aliases:     []string{"s"},
			Destination: &sharedLibraryDir,
		},
	},
	Action: func(ctx *cli.Context) error {
		labels := parseLabels(labelsFlag)
		if len(labels) == 0 {
			return errors.New("at least one label is required")
		}

		overlap, err := parseOverlap(overlapFlag)
		if err != nil {
			return err
		}

		var schema gliner.RelationSchema
		if schemaPath != "" {
			schemaBytes, readErr := util.ReadFileBytes(schemaPath)
			if readErr != nil {
				return readErr
			}
			if unmarshalErr := json.Unmarshal(schemaBytes, &schema); unmarshalErr != nil {
				return fmt.Errorf("parsing schema file %s: %w", schemaPath, unmarshalErr)
			}
		}

		var sessionOptions []gliner.SessionOption
		if sharedLibraryDir != "" {
			sessionOptions = append(sessionOptions, options.WithOnnxLibraryPath(sharedLibraryDir))
		}

		session, err := gliner.NewSession(gliner.Config{
			ModelPath:      modelPath,
			SessionOptions: sessionOptions,
			PipelineOptions: []gliner.PipelineOption{
				pipelines.WithThreshold(float32(threshold)),
				pipelines.WithRelationThreshold(float32(relationThreshold)),
				pipelines.WithOverlapPolicy(overlap),
				pipelines.WithMultiLabel(multiLabel),
				pipelines.WithMaxBatchSize(batchSize),
			},
		})
		if err != nil {
			return err
		}
		defer func() {
			err = errors.Join(err, session.Destroy())
		}()

		inputChannel := make(chan []input, 1000)
		processedChannel := make(chan []byte, 1000)
		errorsChannel := make(chan error, 1000)
		var processedWg, writeWg sync.WaitGroup

		processedWg.Add(1)
		go processInputs(ctx.Context, &processedWg, inputChannel, processedChannel, errorsChannel, session, labels, schema)

		var writer io.WriteCloser
		if outputPath != "" {
			dest := util.PathJoinSafe(outputPath, "result.jsonl")
			writer, err = util.NewFileWriter(dest, "application/json")
			if err != nil {
				return err
			}
			defer func() {
				err = errors.Join(err, writer.Close())
			}()
		} else {
			writer = os.Stdout
		}
		writeWg.Add(1)
		go writeOutputs(&writeWg, processedChannel, errorsChannel, writer)

		if inputPath != "" {
			exists, existsErr := util.FileExists(inputPath)
			if existsErr != nil {
				return existsErr
			}
			if !exists {
				return fmt.Errorf("file %s does not exist", inputPath)
			}
			fileWalker := func(ctx context.Context, baseURL, parent string, info os.FileInfo, reader io.Reader) (bool, error) {
				if filepath.Ext(info.Name()) == ".jsonl" {
					if readErr := readInputs(reader, inputChannel); readErr != nil {
						return false, readErr
					}
				}
				return true, nil
			}
			if walkErr := util.WalkDir()(ctx.Context, inputPath, fileWalker); walkErr != nil {
				return walkErr
			}
		} else if !isatty.IsTerminal(os.Stdin.Fd()) && !isatty.IsCygwinTerminal(os.Stdin.Fd()) {
			// there is something to process on stdin
			if readErr := readInputs(os.Stdin, inputChannel); readErr != nil {
				return readErr
			}
		}

		close(inputChannel)
		processedWg.Wait()
		close(processedChannel)
		close(errorsChannel)
		writeWg.Wait()
		return err
	},
}

func main() {
	app := &cli.App{
		Name:     "gliner",
		Usage:    "Zero-shot entity and relation extraction from the command line",
		Commands: []*cli.Command{runCommand},
	}
	if err := app.Run(os.Args); err != nil {
		panic(err)
	}
}

type input struct {
	Text string `json:"text"`
}

type result struct {
	Text      string            `json:"text"`
	Entities  []gliner.Entity   `json:"entities"`
	Relations []gliner.Relation `json:"relations,omitempty"`
	Truncated bool              `json:"truncated,omitempty"`
	Error     string            `json:"error,omitempty"`
}

func parseLabels(flag string) []string {
	var labels []string
	for _, label := range strings.Split(flag, ",") {
		if label = strings.TrimSpace(label); label != "" {
			labels = append(labels, label)
		}
	}
	return labels
}

func parseOverlap(flag string) (pipelines.OverlapPolicy, error) {
	switch flag {
	case "strict":
		return pipelines.OverlapStrict, nil
	case "sameLabel":
		return pipelines.OverlapSameLabel, nil
	case "any":
		return pipelines.OverlapAny, nil
	default:
		return 0, fmt.Errorf("unknown overlap policy %q", flag)
	}
}

func processInputs(ctx context.Context, wg *sync.WaitGroup, inputChannel chan []input,
	processedChannel chan []byte, errorsChannel chan error,
	session *gliner.Session, labels []string, schema gliner.RelationSchema) {
	defer wg.Done()

	for inputBatch := range inputChannel {
		texts := make([]string, len(inputBatch))
		for i := range inputBatch {
			texts[i] = inputBatch[i].Text
		}

		var output *gliner.Output
		var err error
		if schema != nil {
			output, err = session.ExtractRelations(ctx, texts, labels, schema)
		} else {
			output, err = session.PredictEntities(ctx, texts, labels)
		}
		if err != nil {
			errorsChannel <- err
			continue
		}

		for i := range texts {
			out := result{
				Text:      texts[i],
				Entities:  output.Entities[i],
				Truncated: output.Truncated[i],
			}
			if schema != nil {
				out.Relations = output.Relations[i]
			}
			if output.ItemErrors[i] != nil {
				out.Error = output.ItemErrors[i].Error()
			}
			outputBytes, marshallErr := json.Marshal(out)
			if marshallErr != nil {
				errorsChannel <- marshallErr
			} else {
				processedChannel <- outputBytes
			}
		}
	}
}

func writeOutputs(wg *sync.WaitGroup, processedChannel chan []byte, errorChannel chan error, writeTarget io.WriteCloser) {
	defer wg.Done()

	for processedChannel != nil || errorChannel != nil {
		select {
		case output, ok := <-processedChannel:
			if !ok {
				processedChannel = nil
				continue
			}
			if _, err := writeTarget.Write(output); err != nil {
				panic(err)
			}
			if _, err := writeTarget.Write([]byte("\n")); err != nil {
				panic(err)
			}
		case err, ok := <-errorChannel:
			if !ok {
				errorChannel = nil
				continue
			}
			if err != nil {
				if _, writeErr := os.Stderr.WriteString(err.Error() + "\n"); writeErr != nil {
					panic(writeErr)
				}
			}
		}
	}
}

func readInputs(inputSource io.Reader, inputChannel chan []input) error {
	inputBatch := make([]input, 0, batchSize)

	reader := bufio.NewReader(inputSource)
	for {
		line, err := util.ReadLine(reader)
		if err != nil && err != io.EOF {
			return err
		}
		if len(line) > 0 {
			var item input
			if unmarshalErr := json.Unmarshal(line, &item); unmarshalErr != nil {
				return unmarshalErr
			}
			inputBatch = append(inputBatch, item)
			if len(inputBatch) == batchSize {
				inputChannel <- inputBatch
				inputBatch = make([]input, 0, batchSize)
			}
		}
		if err == io.EOF {
			break
		}
	}
	if len(inputBatch) > 0 {
		inputChannel <- inputBatch
	}
	return nil
}
