// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Parley Contributors

package offline

import "regexp"

// FallbackCategory classifies user input for canned offline replies.
type FallbackCategory string

const (
	CategoryGreeting FallbackCategory = "greeting"
	CategoryHelp     FallbackCategory = "help"
	CategoryError    FallbackCategory = "error"
	CategoryGeneral  FallbackCategory = "general"
)

// fallbackPatterns are checked in order; the first match wins. Patterns
// cover English and Brazilian Portuguese forms since those are the deployed
// audiences.
var fallbackPatterns = []struct {
	category FallbackCategory
	pattern  *regexp.Regexp
}{
	{CategoryGreeting, regexp.MustCompile(`(?i)\b(oi|ol[aá]|hello|hi|hey|bom dia|boa tarde|boa noite|good (morning|afternoon|evening))\b`)},
	{CategoryHelp, regexp.MustCompile(`(?i)\b(help|ajuda|ajudar|socorro|how do|how can|como)\b`)},
	{CategoryError, regexp.MustCompile(`(?i)\b(error|erro|problem|problema|bug|fail|failed|falha|broken|n[aã]o funciona)\b`)},
}

var fallbackReplies = map[FallbackCategory]string{
	CategoryGreeting: "Hi! I'm offline right now, but your message was saved and will be delivered as soon as the connection is back.",
	CategoryHelp:     "I can't reach the assistant at the moment. Your question was saved and will be answered once the connection is restored.",
	CategoryError:    "Sorry you're running into a problem. I'm offline right now, but your report was saved and will be handled as soon as possible.",
	CategoryGeneral:  "I'm offline at the moment. Your message was saved and will be delivered once the connection is back.",
}

// ClassifyFallback returns the category for the given input. General is the
// default when nothing matches.
func ClassifyFallback(content string) FallbackCategory {
	for _, p := range fallbackPatterns {
		if p.pattern.MatchString(content) {
			return p.category
		}
	}
	return CategoryGeneral
}

// FallbackReply returns the category and canned reply for the given input.
func FallbackReply(content string) (FallbackCategory, string) {
	category := ClassifyFallback(content)
	return category, fallbackReplies[category]
}
