package domain

import (
	"fmt"
	"strings"
)

// Caption is one timed subtitle block
type Caption struct {
	Text    string `json:"text"`
	StartMs int64  `json:"start_ms"`
	EndMs   int64  `json:"end_ms"`
}

// DurationMs returns the block length
func (c Caption) DurationMs() int64 {
	return c.EndMs - c.StartMs
}

// FormatTimestamp renders milliseconds as HH:MM:SS,mmm
func FormatTimestamp(ms int64) string {
	if ms < 0 {
		ms = 0
	}
	hours := ms / 3_600_000
	minutes := (ms % 3_600_000) / 60_000
	seconds := (ms % 60_000) / 1000
	millis := ms % 1000
	return fmt.Sprintf("%02d:%02d:%02d,%03d", hours, minutes, seconds, millis)
}

// RenderSRT renders captions in SubRip format
func RenderSRT(captions []Caption) string {
	var b strings.Builder
	for i, c := range captions {
		if i > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "%d\n%s --> %s\n%s\n", i+1, FormatTimestamp(c.StartMs), FormatTimestamp(c.EndMs), c.Text)
	}
	return b.String()
}
