package render

import (
	"fmt"
	"strings"

	"github.com/samber/lo"

	"github.com/bobarin/reelworks/internal/models"
)

// PromptFunc turns a manifest into the provider prompt.
type PromptFunc func(models.Manifest) string

// ComposePrompt is the default PromptFunc: a job headline followed by one
// line per storyboard shot.
func ComposePrompt(m models.Manifest) string {
	var b strings.Builder

	if title := strings.TrimSpace(m.Job.Title); title != "" {
		fmt.Fprintf(&b, "Short vertical recruiting video for a %s role", title)
		if geo := strings.TrimSpace(m.Job.Geo); geo != "" {
			fmt.Fprintf(&b, " in %s", geo)
		}
		if pay := strings.TrimSpace(m.Job.PayRange); pay != "" {
			fmt.Fprintf(&b, ", paying %s", pay)
		}
		b.WriteString(".\n")
	}

	shots := lo.Filter(m.Storyboard, func(s models.Shot, _ int) bool {
		return strings.TrimSpace(s.Description) != ""
	})
	for i, shot := range shots {
		fmt.Fprintf(&b, "Shot %d (%gs): %s", i+1, shot.DurationSeconds, strings.TrimSpace(shot.Description))
		if overlay := strings.TrimSpace(shot.OverlayText); overlay != "" {
			fmt.Fprintf(&b, " On-screen text: %q.", overlay)
		}
		b.WriteString("\n")
	}

	return strings.TrimSpace(b.String())
}
