package generation

import (
	"strings"

	"github.com/cuongbtq/clipforge/internal/domain"
	"golang.org/x/text/unicode/norm"
)

const (
	maxTitleRunes       = 50
	maxDescriptionRunes = 200
	maxTagRunes         = 30
	maxTags             = 10
	minTags             = 3

	fallbackTitle       = "AI generated short"
	fallbackDescription = "A short video generated automatically from a prompt."
)

var (
	defaultTags = []string{"shorts", "AI", "autogenerated"}

	titleReplacer = strings.NewReplacer("|", "-", "<", "", ">", "")
)

// BoundMetadata normalises raw model output into platform-safe metadata
func BoundMetadata(raw domain.Metadata) domain.Metadata {
	return domain.Metadata{
		Title:       boundTitle(raw.Title),
		Description: boundDescription(raw.Description),
		Tags:        boundTags(raw.Tags),
	}
}

func boundTitle(title string) string {
	title = strings.TrimSpace(titleReplacer.Replace(norm.NFC.String(title)))
	if title == "" {
		title = fallbackTitle
	}
	return truncateRunes(title, maxTitleRunes)
}

func boundDescription(description string) string {
	description = strings.TrimSpace(norm.NFC.String(description))
	if description == "" {
		description = fallbackDescription
	}
	return truncateRunes(description, maxDescriptionRunes)
}

func boundTags(raw []string) []string {
	tags := make([]string, 0, maxTags)
	seen := make(map[string]struct{}, len(raw))
	for _, tag := range raw {
		tag = strings.TrimSpace(norm.NFC.String(tag))
		if tag == "" {
			continue
		}
		if r := []rune(tag); len(r) > maxTagRunes {
			tag = strings.TrimSpace(string(r[:maxTagRunes]))
		}

		key := strings.ToLower(tag)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		tags = append(tags, tag)
		if len(tags) == maxTags {
			break
		}
	}

	for _, def := range defaultTags {
		if len(tags) >= minTags {
			break
		}
		if _, ok := seen[strings.ToLower(def)]; ok {
			continue
		}
		seen[strings.ToLower(def)] = struct{}{}
		tags = append(tags, def)
	}
	return tags
}

// truncateRunes cuts s to limit runes, ending in "..." when shortened
func truncateRunes(s string, limit int) string {
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit-3]) + "..."
}
