package backends

import (
	"github.com/daulet/tokenizers"

	"github.com/knights-analytics/gliner/util"
)

// Tokenizer wraps the huggingface tokenizer bindings. It is read-only after
// loading and safe for concurrent use.
type Tokenizer struct {
	Tokenizer        *tokenizers.Tokenizer
	Options          []tokenizers.EncodeOption
	MaxAllowedTokens int
	TokenizerTimings *Timings
	Destroy          func() error
}

func loadTokenizer(model *Model) error {
	tokenizerBytes, err := util.ReadFileBytes(util.PathJoinSafe(model.Path, "tokenizer.json"))
	if err != nil {
		return err
	}

	tk, tkErr := tokenizers.FromBytes(tokenizerBytes)
	if tkErr != nil {
		return tkErr
	}

	// offsets and special token masks are always needed: the encoder maps
	// words back to character positions through them
	encodeOptions := []tokenizers.EncodeOption{
		tokenizers.WithReturnTokens(),
		tokenizers.WithReturnAttentionMask(),
		tokenizers.WithReturnSpecialTokensMask(),
		tokenizers.WithReturnOffsets(),
	}
	for _, input := range model.InputsMeta {
		if input.Name == "token_type_ids" {
			encodeOptions = append(encodeOptions, tokenizers.WithReturnTypeIDs())
		}
	}

	model.Tokenizer = &Tokenizer{
		Tokenizer:        tk,
		Options:          encodeOptions,
		MaxAllowedTokens: model.MaxPositionEmbeddings,
		TokenizerTimings: &Timings{},
		Destroy: func() error {
			return tk.Close()
		},
	}
	return nil
}

// Tokenize encodes the inputs and records them on the batch. Sequences longer
// than the model window are truncated deterministically from the end; the
// Truncated flag is set on the affected items.
func Tokenize(batch *PipelineBatch, tk *Tokenizer, inputs []string) {
	outputs := make([]TokenizedInput, len(inputs))
	maxSequence := 0
	for i, input := range inputs {
		output := tk.Tokenizer.EncodeWithOptions(input,
			true,
			tk.Options...,
		)

		truncated := false
		if tk.MaxAllowedTokens > 0 && len(output.Tokens) > tk.MaxAllowedTokens {
			truncated = true
			output.Tokens = output.Tokens[:tk.MaxAllowedTokens]
			output.IDs = output.IDs[:min(len(output.IDs), tk.MaxAllowedTokens)]
			output.TypeIDs = output.TypeIDs[:min(len(output.TypeIDs), tk.MaxAllowedTokens)]
			output.AttentionMask = output.AttentionMask[:min(len(output.AttentionMask), tk.MaxAllowedTokens)]
			output.SpecialTokensMask = output.SpecialTokensMask[:min(len(output.SpecialTokensMask), tk.MaxAllowedTokens)]
			output.Offsets = output.Offsets[:min(len(output.Offsets), tk.MaxAllowedTokens)]
		}

		maxAttentionIndex := 0
		for j, attentionMaskValue := range output.AttentionMask {
			if attentionMaskValue != 0 {
				maxAttentionIndex = j
			}
		}

		outputs[i] = TokenizedInput{
			Raw:               input,
			Tokens:            output.Tokens,
			TokenIDs:          output.IDs,
			TypeIDs:           output.TypeIDs,
			AttentionMask:     output.AttentionMask,
			MaxAttentionIndex: maxAttentionIndex,
			SpecialTokensMask: output.SpecialTokensMask,
			Offsets:           convertOffsets(output.Offsets),
			Truncated:         truncated,
		}
		if maxAttentionIndex > maxSequence {
			maxSequence = maxAttentionIndex
		}
	}
	batch.Input = outputs
	batch.MaxSequenceLength = maxSequence + 1
}

func convertOffsets(input []tokenizers.Offset) [][2]uint {
	output := make([][2]uint, len(input))
	for i, x := range input {
		output[i] = [2]uint{x[0], x[1]}
	}
	return output
}
