package pipelines

import (
	"strings"

	"github.com/knights-analytics/gliner/backends"
)

// Labels are injected into the encoder input as a prompt prefix:
// "<<ENT>> label1 <<ENT>> label2 <<SEP>> text". The model jointly encodes
// labels and text so that label representations are comparable to span
// representations in a single pass. When a relation schema is present the
// relation names follow the entity labels: "<<ENT>> l1 <<REL>> r1 <<SEP>>",
// and the relation axis of the relation logits follows that prompt order.
const (
	entityToken    = "<<ENT>>"
	relationToken  = "<<REL>>"
	separatorToken = "<<SEP>>"
)

func buildLabelPrompt(labels []string) string {
	return buildCombinedPrompt(labels, nil)
}

func buildCombinedPrompt(labels []string, relations []string) string {
	var sb strings.Builder
	for _, label := range labels {
		sb.WriteString(entityToken)
		sb.WriteString(" ")
		sb.WriteString(label)
		sb.WriteString(" ")
	}
	for _, relation := range relations {
		sb.WriteString(relationToken)
		sb.WriteString(" ")
		sb.WriteString(relation)
		sb.WriteString(" ")
	}
	sb.WriteString(separatorToken)
	return sb.String()
}

// promptLength is the byte length of the prompt plus the space separating it
// from the text. Token offsets past this point belong to the original text.
func promptLength(prompt string) int {
	return len(prompt) + 1
}

// wordMaps derives the word-level view of one tokenized prompt: a per-token
// word number (1-based, 0 for non-text tokens), the word count, and the
// word index to character offset table relative to the original text.
//
// Word boundaries follow the SentencePiece convention: a token starting with
// the U+2581 marker (or a plain space for BPE tokenizers) opens a new word,
// anything else continues the previous one.
func wordMaps(text string, input *backends.TokenizedInput, prefixLen uint, maxSeqLen int) ([]int64, [][2]int, int64) {
	wordsMask := make([]int64, maxSeqLen)
	var wordOffsets [][2]int
	wordCount := int64(0)

	for j, offset := range input.Offsets {
		if j >= maxSeqLen {
			break
		}
		if j < len(input.SpecialTokensMask) && input.SpecialTokensMask[j] > 0 {
			continue
		}

		tokenEnd := offset[1]
		// tokens inside the label prompt never produce words
		if tokenEnd <= prefixLen {
			continue
		}

		adjustedStart := int(offset[0]) - int(prefixLen)
		adjustedEnd := int(tokenEnd) - int(prefixLen)
		if adjustedStart < 0 {
			adjustedStart = 0
		}
		if adjustedEnd > len(text) {
			adjustedEnd = len(text)
		}

		token := ""
		if j < len(input.Tokens) {
			token = input.Tokens[j]
		}
		marksBoundary := strings.HasPrefix(token, "▁") || strings.HasPrefix(token, " ")
		isNewWord := wordCount == 0 || marksBoundary

		if isNewWord {
			// depending on the tokenizer the boundary marker may or may not be
			// counted in the offset, so trim against the text itself
			startOffset := adjustedStart
			for startOffset < adjustedEnd && text[startOffset] == ' ' {
				startOffset++
			}
			if startOffset >= adjustedEnd {
				continue
			}
			wordCount++
			wordsMask[j] = wordCount
			wordOffsets = append(wordOffsets, [2]int{startOffset, adjustedEnd})
		} else {
			wordsMask[j] = wordCount
			if len(wordOffsets) > 0 {
				wordOffsets[len(wordOffsets)-1][1] = adjustedEnd
			}
		}
	}

	return wordsMask, wordOffsets, wordCount
}
