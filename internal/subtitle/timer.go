// Package subtitle turns a generated script into timed caption blocks.
package subtitle

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/cuongbtq/clipforge/internal/domain"
)

const (
	// MinBlockMs is the shortest duration a block is allocated
	MinBlockMs = 1000

	// DefaultWordsPerMinute is the narration pace assumed for target word counts
	DefaultWordsPerMinute = 150
)

// Track is the output of one timing run
type Track struct {
	Captions []domain.Caption
	// Dropped counts trailing sentences that did not fit before the target.
	Dropped int
}

// Timer allocates caption time proportionally to sentence weight
type Timer struct {
	wordsPerMinute int
}

// NewTimer creates a timer; a non-positive pace selects the default
func NewTimer(wordsPerMinute int) *Timer {
	if wordsPerMinute <= 0 {
		wordsPerMinute = DefaultWordsPerMinute
	}
	return &Timer{wordsPerMinute: wordsPerMinute}
}

// TargetWords is the word count a script should aim for at this pace
func (t *Timer) TargetWords(targetDurationSeconds int) int {
	return targetDurationSeconds * t.wordsPerMinute / 60
}

// Time splits script into sentences and places them back to back from zero
// so the last placed block ends exactly at the target duration.
func (t *Timer) Time(script string, targetDurationSeconds int) (Track, error) {
	if targetDurationSeconds <= 0 {
		return Track{}, domain.NewValidationError("target_duration_seconds", "must be positive")
	}

	sentences := Segment(script)
	if len(sentences) == 0 {
		return Track{}, domain.NewValidationError("script", "no sentences to caption")
	}

	targetMs := int64(targetDurationSeconds) * 1000
	if int64(len(sentences))*MinBlockMs > targetMs {
		return Track{}, domain.NewValidationError("script",
			fmt.Sprintf("%d sentences do not fit in %d seconds", len(sentences), targetDurationSeconds))
	}

	// Weights are kept doubled so half-weighted CJK characters stay integral
	// and the proportional floor is exact.
	weights := make([]int64, len(sentences))
	var total int64
	for i, s := range sentences {
		weights[i] = doubledWeight(s)
		total += weights[i]
	}

	captions := make([]domain.Caption, 0, len(sentences))
	var start int64
	dropped := 0
	for i, s := range sentences {
		if start >= targetMs {
			dropped = len(sentences) - i
			break
		}

		duration := weights[i] * targetMs / total
		if duration < MinBlockMs {
			duration = MinBlockMs
		}

		end := start + duration
		if end > targetMs {
			end = targetMs
		}

		captions = append(captions, domain.Caption{Text: s, StartMs: start, EndMs: end})
		start = end
	}

	captions[len(captions)-1].EndMs = targetMs

	return Track{Captions: captions, Dropped: dropped}, nil
}

// Segment splits on line breaks when the script has any, otherwise after
// sentence-terminal punctuation followed by whitespace. Blank segments are
// discarded.
func Segment(script string) []string {
	script = strings.ReplaceAll(script, "\r\n", "\n")

	var parts []string
	if strings.Contains(script, "\n") {
		parts = strings.Split(script, "\n")
	} else {
		parts = splitOnTerminals(script)
	}

	sentences := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			sentences = append(sentences, p)
		}
	}
	return sentences
}

func splitOnTerminals(text string) []string {
	runes := []rune(text)
	var parts []string
	begin := 0
	for i := 0; i < len(runes)-1; i++ {
		if isTerminal(runes[i]) && unicode.IsSpace(runes[i+1]) {
			parts = append(parts, string(runes[begin:i+1]))
			begin = i + 1
		}
	}
	return append(parts, string(runes[begin:]))
}

func isTerminal(r rune) bool {
	switch r {
	case '.', '!', '?', '。', '！', '？':
		return true
	}
	return false
}

// doubledWeight is 2×(Latin words) + CJK characters, floored at 2
func doubledWeight(sentence string) int64 {
	var latinWords, cjkChars int64
	for _, token := range strings.Fields(sentence) {
		hasLatin := false
		for _, r := range token {
			switch {
			case unicode.In(r, unicode.Han, unicode.Hangul, unicode.Hiragana, unicode.Katakana):
				cjkChars++
			case unicode.Is(unicode.Latin, r):
				hasLatin = true
			}
		}
		if hasLatin {
			latinWords++
		}
	}

	w := 2*latinWords + cjkChars
	if w < 2 {
		w = 2
	}
	return w
}
