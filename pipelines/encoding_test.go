package pipelines

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/knights-analytics/gliner/backends"
)

func TestBuildLabelPrompt(t *testing.T) {
	t.Run("SingleLabel", func(t *testing.T) {
		prompt := buildLabelPrompt([]string{"person"})
		assert.Equal(t, "<<ENT>> person <<SEP>>", prompt)
	})

	t.Run("MultipleLabels", func(t *testing.T) {
		prompt := buildLabelPrompt([]string{"person", "organization", "location"})
		assert.Contains(t, prompt, "<<ENT>> person")
		assert.Contains(t, prompt, "<<ENT>> organization")
		assert.Contains(t, prompt, "<<ENT>> location")
		assert.True(t, strings.HasSuffix(prompt, "<<SEP>>"))
	})

	t.Run("PromptLength", func(t *testing.T) {
		// the prompt length accounts for the space between prompt and text
		prompt := buildLabelPrompt([]string{"person", "org"})
		assert.Equal(t, len(prompt)+1, promptLength(prompt))
	})
}

func TestBuildCombinedPrompt(t *testing.T) {
	t.Run("RelationsFollowLabels", func(t *testing.T) {
		prompt := buildCombinedPrompt([]string{"person", "organization"}, []string{"works_for"})
		assert.Equal(t, "<<ENT>> person <<ENT>> organization <<REL>> works_for <<SEP>>", prompt)
	})

	t.Run("OrderMatchesSchema", func(t *testing.T) {
		// relation axis order must match the prompt order
		schema := RelationSchema{
			{Relation: "works_for"},
			{Relation: "located_in"},
			{Relation: "works_for"},
		}
		prompt := buildCombinedPrompt([]string{"person"}, relationNames(schema))
		assert.Equal(t, "<<ENT>> person <<REL>> works_for <<REL>> located_in <<SEP>>", prompt)
	})

	t.Run("NoRelations", func(t *testing.T) {
		assert.Equal(t, buildLabelPrompt([]string{"person"}), buildCombinedPrompt([]string{"person"}, nil))
	})
}

func TestWordMaps(t *testing.T) {
	// "<<ENT>> person <<SEP>> James Bond" with the text starting at byte 23
	text := "James Bond"
	prefixLen := uint(promptLength(buildLabelPrompt([]string{"person"})))
	assert.Equal(t, uint(23), prefixLen)

	t.Run("WordBoundaries", func(t *testing.T) {
		input := &backends.TokenizedInput{
			Tokens:            []string{"[CLS]", "▁<<ENT>>", "▁person", "▁<<SEP>>", "▁James", "▁Bo", "nd", "[SEP]"},
			Offsets:           [][2]uint{{0, 0}, {0, 7}, {8, 14}, {15, 22}, {23, 28}, {29, 31}, {31, 33}, {0, 0}},
			SpecialTokensMask: []uint32{1, 0, 0, 0, 0, 0, 0, 1},
		}
		wordsMask, wordOffsets, wordCount := wordMaps(text, input, prefixLen, 8)

		assert.Equal(t, int64(2), wordCount)
		assert.Equal(t, []int64{0, 0, 0, 0, 1, 2, 2, 0}, wordsMask)
		assert.Equal(t, [][2]int{{0, 5}, {6, 10}}, wordOffsets)
		assert.Equal(t, "James", text[wordOffsets[0][0]:wordOffsets[0][1]])
		assert.Equal(t, "Bond", text[wordOffsets[1][0]:wordOffsets[1][1]])
	})

	t.Run("OffsetsIncludeBoundaryMarker", func(t *testing.T) {
		// some tokenizers count the leading space into the token offset
		input := &backends.TokenizedInput{
			Tokens:            []string{"▁<<ENT>>", "▁person", "▁<<SEP>>", "▁James", "▁Bond"},
			Offsets:           [][2]uint{{0, 7}, {7, 14}, {14, 22}, {22, 28}, {28, 33}},
			SpecialTokensMask: []uint32{0, 0, 0, 0, 0},
		}
		wordsMask, wordOffsets, wordCount := wordMaps(text, input, prefixLen, 5)

		assert.Equal(t, int64(2), wordCount)
		assert.Equal(t, []int64{0, 0, 0, 1, 2}, wordsMask)
		assert.Equal(t, [][2]int{{0, 5}, {6, 10}}, wordOffsets)
	})

	t.Run("NoTextWords", func(t *testing.T) {
		// every token falls inside the label prompt
		input := &backends.TokenizedInput{
			Tokens:            []string{"▁<<ENT>>", "▁person", "▁<<SEP>>"},
			Offsets:           [][2]uint{{0, 7}, {8, 14}, {15, 22}},
			SpecialTokensMask: []uint32{0, 0, 0},
		}
		wordsMask, wordOffsets, wordCount := wordMaps("", input, prefixLen, 3)

		assert.Equal(t, int64(0), wordCount)
		assert.Equal(t, []int64{0, 0, 0}, wordsMask)
		assert.Empty(t, wordOffsets)
	})

	t.Run("SequenceCapped", func(t *testing.T) {
		input := &backends.TokenizedInput{
			Tokens:            []string{"▁<<SEP>>", "▁James", "▁Bond"},
			Offsets:           [][2]uint{{15, 22}, {23, 28}, {29, 33}},
			SpecialTokensMask: []uint32{0, 0, 0},
		}
		_, wordOffsets, wordCount := wordMaps(text, input, prefixLen, 2)

		// the third token is beyond the sequence length and produces no word
		assert.Equal(t, int64(1), wordCount)
		assert.Equal(t, [][2]int{{0, 5}}, wordOffsets)
	})
}
