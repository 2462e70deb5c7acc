package pipelines

import (
	"fmt"
	"math"
	"sort"

	"golang.org/x/exp/slices"

	"github.com/knights-analytics/gliner/backends"
)

// OverlapPolicy controls how overlapping candidate spans are resolved after
// thresholding. Resolution is greedy in score order, so under any policy a
// higher scoring span is never discarded in favour of a lower scoring one.
type OverlapPolicy int

const (
	// OverlapStrict keeps a span only if it overlaps no previously kept span.
	OverlapStrict OverlapPolicy = iota
	// OverlapSameLabel allows overlaps between spans carrying the same label
	// but rejects overlaps across labels.
	OverlapSameLabel
	// OverlapAny keeps every span above the threshold.
	OverlapAny
)

func (p OverlapPolicy) String() string {
	switch p {
	case OverlapStrict:
		return "strict"
	case OverlapSameLabel:
		return "sameLabel"
	case OverlapAny:
		return "any"
	default:
		return fmt.Sprintf("overlapPolicy(%d)", int(p))
	}
}

const (
	ActivationSigmoid = backends.ActivationSigmoid
	ActivationSoftmax = backends.ActivationSoftmax
)

func sigmoid(x float32) float32 {
	return float32(1.0 / (1.0 + math.Exp(float64(-x))))
}

// softmaxScores normalises one span's logits across the label axis.
func softmaxScores(logits []float32) []float32 {
	maxLogit := float32(math.Inf(-1))
	for _, l := range logits {
		if l > maxLogit {
			maxLogit = l
		}
	}
	scores := make([]float32, len(logits))
	sum := float32(0.0)
	for i, l := range logits {
		e := float32(math.Exp(float64(l - maxLogit)))
		scores[i] = e
		sum += e
	}
	for i := range scores {
		scores[i] = scores[i] / sum
	}
	return scores
}

// spanCandidate is a thresholded span before overlap resolution. Positions
// are word indices, end inclusive.
type spanCandidate struct {
	start    int
	end      int
	labelIdx int
	score    float32
}

// intervalSet is a sorted set of disjoint, inclusive word intervals.
type intervalSet [][2]int

func (s intervalSet) overlaps(start, end int) bool {
	// first interval ending at or after start
	i := sort.Search(len(s), func(i int) bool { return s[i][1] >= start })
	return i < len(s) && s[i][0] <= end
}

func (s intervalSet) insert(start, end int) intervalSet {
	i := sort.Search(len(s), func(i int) bool { return s[i][1] >= start-1 })
	j := i
	for j < len(s) && s[j][0] <= end+1 {
		if s[j][0] < start {
			start = s[j][0]
		}
		if s[j][1] > end {
			end = s[j][1]
		}
		j++
	}
	merged := make(intervalSet, 0, len(s)-(j-i)+1)
	merged = append(merged, s[:i]...)
	merged = append(merged, [2]int{start, end})
	merged = append(merged, s[j:]...)
	return merged
}

// decodeEntities turns one item's span logits into entities. The logits are
// indexed [word][width-1][label] and only slots within the item's word count
// are considered. Candidates above the threshold are ordered by score
// descending, ties broken by earlier start then narrower width, and kept or
// dropped according to the overlap policy.
func decodeEntities(logits [][][]float32, wordCount int64, wordOffsets [][2]int,
	text string, labels []string, threshold float32, activation string,
	multiLabel bool, policy OverlapPolicy) ([]Entity, error) {

	if int(wordCount) > len(wordOffsets) {
		return nil, &DecodeError{Reason: fmt.Sprintf("word count %d exceeds %d word offsets", wordCount, len(wordOffsets))}
	}

	var candidates []spanCandidate
	for pos := 0; pos < int(wordCount) && pos < len(logits); pos++ {
		for widthIdx, labelLogits := range logits[pos] {
			end := pos + widthIdx
			if end >= int(wordCount) {
				break
			}
			if len(labelLogits) < len(labels) {
				return nil, &DecodeError{Reason: fmt.Sprintf("logits carry %d labels, prompt has %d", len(labelLogits), len(labels))}
			}
			var scores []float32
			if activation == ActivationSoftmax {
				scores = softmaxScores(labelLogits[:len(labels)])
			} else {
				scores = make([]float32, len(labels))
				for i, l := range labelLogits[:len(labels)] {
					scores[i] = sigmoid(l)
				}
			}
			if multiLabel {
				for labelIdx, score := range scores {
					if score >= threshold {
						candidates = append(candidates, spanCandidate{start: pos, end: end, labelIdx: labelIdx, score: score})
					}
				}
			} else {
				bestIdx, bestScore := 0, scores[0]
				for labelIdx, score := range scores[1:] {
					if score > bestScore {
						bestIdx, bestScore = labelIdx+1, score
					}
				}
				if bestScore >= threshold {
					candidates = append(candidates, spanCandidate{start: pos, end: end, labelIdx: bestIdx, score: bestScore})
				}
			}
		}
	}

	slices.SortStableFunc(candidates, func(a, b spanCandidate) int {
		if a.score != b.score {
			if a.score > b.score {
				return -1
			}
			return 1
		}
		if a.start != b.start {
			return a.start - b.start
		}
		return (a.end - a.start) - (b.end - b.start)
	})

	var selected intervalSet
	perLabel := make(map[int]intervalSet)
	entities := make([]Entity, 0, len(candidates))
	for _, c := range candidates {
		switch policy {
		case OverlapStrict:
			if selected.overlaps(c.start, c.end) {
				continue
			}
			selected = selected.insert(c.start, c.end)
		case OverlapSameLabel:
			conflict := false
			for labelIdx, set := range perLabel {
				if labelIdx != c.labelIdx && set.overlaps(c.start, c.end) {
					conflict = true
					break
				}
			}
			if conflict {
				continue
			}
			perLabel[c.labelIdx] = perLabel[c.labelIdx].insert(c.start, c.end)
		case OverlapAny:
		}

		charStart := wordOffsets[c.start][0]
		charEnd := wordOffsets[c.end][1]
		if charStart > charEnd || charEnd > len(text) {
			return nil, &DecodeError{Reason: fmt.Sprintf("span offsets [%d,%d) fall outside text of length %d", charStart, charEnd, len(text))}
		}
		entities = append(entities, Entity{
			Text:  text[charStart:charEnd],
			Label: labels[c.labelIdx],
			Score: c.score,
			Start: charStart,
			End:   charEnd,
		})
	}

	slices.SortStableFunc(entities, func(a, b Entity) int {
		if a.Start != b.Start {
			return a.Start - b.Start
		}
		return a.End - b.End
	})
	return entities, nil
}
