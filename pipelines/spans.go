package pipelines

import (
	"github.com/knights-analytics/gliner/backends"
)

// buildSpanInputs enumerates the candidate spans for a batch. For every word
// position there is one slot per width up to maxWidth, laid out as
// pos*maxWidth + (width-1), matching the third axis of the model logits.
// Slots whose span would run past the end of the item are masked out.
func buildSpanInputs(wordCounts []int64, maxWidth int) *backends.SpanInputs {
	maxWords := 0
	for _, count := range wordCounts {
		if int(count) > maxWords {
			maxWords = int(count)
		}
	}

	numSpans := maxWords * maxWidth
	if numSpans == 0 {
		numSpans = maxWidth
	}

	spanIdx := make([][][2]int64, len(wordCounts))
	spanMask := make([][]bool, len(wordCounts))
	textLengths := make([]int64, len(wordCounts))

	for i, count := range wordCounts {
		textLengths[i] = count
		idx := make([][2]int64, numSpans)
		mask := make([]bool, numSpans)
		for pos := int64(0); pos < count; pos++ {
			for width := int64(1); width <= int64(maxWidth); width++ {
				slot := pos*int64(maxWidth) + (width - 1)
				end := pos + width - 1
				if end >= count {
					break
				}
				idx[slot] = [2]int64{pos, end}
				mask[slot] = true
			}
		}
		spanIdx[i] = idx
		spanMask[i] = mask
	}

	return &backends.SpanInputs{
		TextLengths: textLengths,
		SpanIdx:     spanIdx,
		SpanMask:    spanMask,
		NumSpans:    numSpans,
	}
}
