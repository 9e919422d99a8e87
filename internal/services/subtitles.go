package services

import (
	"fmt"
	"math"
	"strings"

	"github.com/samber/lo"
)

// ---------------------------------------------------------------------------
// SRT Caption Generator
//
// Captions are synthesized locally, never downloaded. The file holds a single
// cue spanning the whole clip:
//
//	1
//	00:00:00,000 --> 00:00:28,000
//	Caption text
//	#hashtag #another
// ---------------------------------------------------------------------------

// GenerateSRT builds the caption file for a clip of the given duration.
func GenerateSRT(text string, hashtags []string, durationSeconds float64) []byte {
	var b strings.Builder
	b.WriteString("1\n")
	fmt.Fprintf(&b, "%s --> %s\n", formatSRTTime(0), formatSRTTime(durationSeconds))

	if text = strings.TrimSpace(text); text != "" {
		b.WriteString(text)
		b.WriteString("\n")
	}
	if tags := NormalizeHashtags(hashtags); len(tags) > 0 {
		b.WriteString(strings.Join(tags, " "))
		b.WriteString("\n")
	}
	b.WriteString("\n")
	return []byte(b.String())
}

// NormalizeHashtags trims, prefixes with '#' and de-duplicates tags, keeping order.
func NormalizeHashtags(hashtags []string) []string {
	tags := lo.FilterMap(hashtags, func(tag string, _ int) (string, bool) {
		tag = strings.TrimLeft(strings.TrimSpace(tag), "#")
		if tag == "" {
			return "", false
		}
		return "#" + strings.Join(strings.Fields(tag), ""), true
	})
	return lo.Uniq(tags)
}

// formatSRTTime converts seconds to SRT timestamp format: HH:MM:SS,mmm
func formatSRTTime(seconds float64) string {
	if seconds < 0 || math.IsNaN(seconds) {
		seconds = 0
	}

	totalMs := int64(math.Round(seconds * 1000))
	hours := totalMs / 3_600_000
	minutes := (totalMs % 3_600_000) / 60_000
	secs := (totalMs % 60_000) / 1000
	ms := totalMs % 1000

	return fmt.Sprintf("%02d:%02d:%02d,%03d", hours, minutes, secs, ms)
}
