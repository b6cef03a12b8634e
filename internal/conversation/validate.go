// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Parley Contributors

package conversation

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	parleyerr "github.com/parley-dev/parley/pkg/errors"
)

// maxContentRunes caps user input length after sanitization.
const maxContentRunes = 4096

var markupPattern = regexp.MustCompile(`<[^>]*>`)

// SanitizeContent validates and cleans raw user input: markup is stripped,
// control characters (except newline and tab) removed, surrounding
// whitespace trimmed. Empty or oversized input fails with a validation
// error; validation failures never reach the network.
func SanitizeContent(content string) (string, error) {
	cleaned := stripUnsafe(content)

	if cleaned == "" {
		return "", parleyerr.New(parleyerr.CodeConversationInputInvalid, "message is empty")
	}
	if utf8.RuneCountInString(cleaned) > maxContentRunes {
		return "", parleyerr.Errorf(parleyerr.CodeConversationInputInvalid,
			"message exceeds %d characters", maxContentRunes)
	}

	return cleaned, nil
}

// sanitizeForDisplay cleans input the same way SanitizeContent does but
// never fails: oversized input is truncated instead. Rejected messages go
// through this before they are recorded, so raw markup and unbounded text
// never land in the transcript.
func sanitizeForDisplay(content string) string {
	cleaned := stripUnsafe(content)
	if utf8.RuneCountInString(cleaned) > maxContentRunes {
		runes := []rune(cleaned)
		cleaned = string(runes[:maxContentRunes]) + "…"
	}
	return cleaned
}

// stripUnsafe removes markup and control characters (except newline and tab)
// and trims surrounding whitespace.
func stripUnsafe(content string) string {
	cleaned := markupPattern.ReplaceAllString(content, "")
	cleaned = strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return r
		}
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, cleaned)
	return strings.TrimSpace(cleaned)
}
