package handlers

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"jobrelay/internal/jobs"
	"jobrelay/internal/models"
)

// Narrative entry types written by Story.
const (
	NarrativeIntro   = "intro"
	NarrativeChapter = "chapter"
	NarrativeOutro   = "outro"
)

// Story writes a short narration, one chapter at a time, publishing each
// chapter as narrative and as a partial result. Input keys: topic, chapters
// (default 3), delay_ms between chapters.
func Story(ctx context.Context, inv jobs.Invocation, cb jobs.Callbacks) (any, error) {
	topic, _ := inv.Input["topic"].(string)
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return nil, jobs.Fail("INVALID_INPUT", fmt.Errorf("topic is required"))
	}
	chapters, ok := asInt(inv.Input["chapters"])
	if !ok || chapters <= 0 {
		chapters = 3
	}
	delay := time.Duration(0)
	if ms, ok := asInt(inv.Input["delay_ms"]); ok && ms > 0 {
		delay = time.Duration(ms) * time.Millisecond
	}

	zero := 0
	if err := cb.Narrate(ctx, models.NarrativeEvent{
		Type:     NarrativeIntro,
		Content:  fmt.Sprintf("A story about %s.", topic),
		Progress: &zero,
	}); err != nil {
		return nil, err
	}

	written := make([]string, 0, chapters)
	for i := 1; i <= chapters; i++ {
		if err := pause(ctx, delay); err != nil {
			return nil, err
		}
		text := fmt.Sprintf("Chapter %d: %s, continued.", i, topic)
		progress := i * 100 / (chapters + 1)
		if err := cb.Narrate(ctx, models.NarrativeEvent{Type: NarrativeChapter, Content: text, Progress: &progress}); err != nil {
			return nil, err
		}
		if err := cb.PartialResult(ctx, fmt.Sprintf("chapter-%d", i), map[string]any{"text": text}); err != nil {
			return nil, err
		}
		if err := cb.Progress(ctx, jobs.ProgressReport{Percent: progress, Step: "writing"}); err != nil {
			return nil, err
		}
		written = append(written, text)
	}

	full := 100
	if err := cb.Narrate(ctx, models.NarrativeEvent{Type: NarrativeOutro, Content: "The end.", Progress: &full}); err != nil {
		return nil, err
	}
	return map[string]any{"title": capitalize(topic), "chapters": written}, nil
}

func capitalize(s string) string {
	r, size := utf8.DecodeRuneInString(s)
	if r == utf8.RuneError {
		return s
	}
	return string(unicode.ToUpper(r)) + s[size:]
}
