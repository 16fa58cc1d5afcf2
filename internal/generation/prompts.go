package generation

import (
	"fmt"

	"github.com/cuongbtq/clipforge/internal/domain"
)

var toneGuidance = map[domain.Tone]string{
	domain.ToneInformative: "Clear and factual. Lead with the most surprising fact.",
	domain.ToneFun:         "Playful and energetic, with light humour.",
	domain.ToneEmotional:   "Warm and moving. Build toward a heartfelt closing line.",
}

func scriptSystemPrompt(tone domain.Tone, targetWords int) string {
	return fmt.Sprintf(`You write narration for vertical short-form videos.
Requirements:
- About %d words in total.
- Tone: %s
- One sentence per line, no numbering, no stage directions, no hashtags.
- Open with a hook in the first line and end with a call to action.
Return only the narration text.`, targetWords, toneGuidance[tone])
}

const metadataSystemPrompt = `You are a video SEO specialist.
Return a JSON object with exactly these fields:
{"title": string (max 50 characters), "description": string (max 200 characters), "tags": array of 3 to 10 short strings}
Do not include any other text.`

func metadataUserPrompt(prompt, script string) string {
	return fmt.Sprintf("Original prompt:\n%s\n\nNarration script:\n%s", prompt, script)
}
