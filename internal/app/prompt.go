package app

import (
	"fmt"
	"strings"

	"github.com/oscarpark0/tarotmancer-frontend-sub000/internal/domain"
	"github.com/oscarpark0/tarotmancer-frontend-sub000/internal/ports"
)

// langNames maps common BCP 47 codes to human-readable language names.
var langNames = map[string]string{
	"en": "English",
	"ru": "Russian",
	"es": "Spanish",
	"fr": "French",
	"de": "German",
	"it": "Italian",
	"pt": "Portuguese",
	"ja": "Japanese",
	"ko": "Korean",
	"zh": "Chinese",
	"ar": "Arabic",
	"hi": "Hindi",
	"tr": "Turkish",
	"uk": "Ukrainian",
	"pl": "Polish",
}

// InterpretRequest builds the chat request that interprets spread. The
// user message is the spread summary, one position per line.
func InterpretRequest(spread domain.Spread, model, lang string) ports.InterpretRequest {
	return ports.InterpretRequest{
		Model: model,
		Messages: []ports.ChatMessage{
			{Role: "system", Content: systemPrompt(spread.Kind, lang)},
			{Role: "user", Content: spread.Summary()},
		},
		Stream: true,
	}
}

func systemPrompt(kind domain.SpreadKind, lang string) string {
	langInstruction := ""
	if lang != "" && lang != "en" {
		name, ok := langNames[lang]
		if !ok {
			name = lang
		}
		langInstruction = fmt.Sprintf("\n- Respond entirely in %s.", name)
	}

	return fmt.Sprintf(`You are a tarot reader providing neutral, reflective interpretations of a %s spread.

Rules:
- Be maximally neutral and balanced.
- Never provide medical, legal, or financial advice.
- Never predict specific outcomes or disasters.
- Never command actions or diagnose conditions.
- Discuss each position in order, then how the cards speak to each other.
- Offer balanced possibilities and reflective questions.%s

Each line of the user message reads "position: card - orientation".
Answer in Markdown with a short heading per position and a closing synthesis.`, kind.Title(), langInstruction)
}

// parseSummary reverses domain.Spread.Summary.
func parseSummary(summary string) []ports.PositionPayload {
	var out []ports.PositionPayload
	for _, line := range strings.Split(summary, "\n") {
		name, rest, ok := strings.Cut(line, ": ")
		if !ok {
			continue
		}
		card, orientation, ok := strings.Cut(rest, " - ")
		if !ok {
			card, orientation = rest, string(domain.Upright)
		}
		out = append(out, ports.PositionPayload{
			PositionName: strings.TrimSpace(name),
			Card:         strings.TrimSpace(card),
			Orientation:  strings.TrimSpace(orientation),
		})
	}
	return out
}
