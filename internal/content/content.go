package content

import (
	"bytes"
	"errors"
	"regexp"
	"strings"
	"unicode/utf8"

	"ptchat/internal/models"

	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"
)

const previewRunes = 100

const (
	ImagePlaceholder   = "📷 Immagine"
	VoicePlaceholder   = "🎤 Messaggio vocale"
	FilePlaceholder    = "📎 File"
	DeletedPlaceholder = "Messaggio eliminato"
)

var (
	policy   = bluemonday.UGCPolicy()
	markdown = goldmark.New()
	idRegex  = regexp.MustCompile(`^[a-zA-Z0-9.-]+$`)
)

// Sanitize removes unsafe HTML from the input string using a strict policy.
// It is used for sanitizing user inputs like display names and messages.
func Sanitize(input string) string {
	return policy.Sanitize(input)
}

// Render converts markdown message text to sanitized HTML.
func Render(input string) (string, error) {
	var buf bytes.Buffer
	if err := markdown.Convert([]byte(input), &buf); err != nil {
		return "", err
	}
	return policy.Sanitize(buf.String()), nil
}

// Preview is the conversation list label for a message: a placeholder for
// media, truncated text otherwise.
func Preview(m models.Message) string {
	if m.Deleted {
		return DeletedPlaceholder
	}
	switch m.Kind {
	case models.MessageKindImage:
		return ImagePlaceholder
	case models.MessageKindVoice:
		return VoicePlaceholder
	case models.MessageKindFile:
		return FilePlaceholder
	}
	return Truncate(m.Text, previewRunes)
}

// Truncate shortens s to at most n runes, marking the cut with an ellipsis.
func Truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return strings.TrimSpace(string(runes[:n])) + "..."
}

// ValidateID checks tenant and user identifiers. Underscore is reserved as
// the separator of conversation ids.
func ValidateID(id string) error {
	if id == "" {
		return errors.New("id cannot be empty")
	}
	if !idRegex.MatchString(id) {
		return errors.New("id contains invalid characters (allowed: alphanumeric, dot, dash)")
	}
	return nil
}
