// Package transcript renders a bounded window of conversation history
// into the markup the agent runner's prompt parser expects.
//
// The output is a single <messages> block containing one <message>
// entry per history item, oldest first. Message bodies and sender names
// are escaped so user text can never be mistaken for transcript
// structure by the downstream parser.
package transcript

import (
	"fmt"
	"strings"
	"time"

	"github.com/solenne-ai/solenne/internal/store"
)

// DefaultWindow is the number of recent messages included when no
// explicit window size is configured. Larger windows cost agent context
// tokens; smaller windows lose conversational continuity.
const DefaultWindow = 10

// escaper rewrites the four characters that are significant to the
// runner's markup parser. Re-applying it re-escapes ampersands
// ("&amp;" becomes "&amp;amp;"), but raw markup characters never
// survive a pass, so double-rendering a transcript cannot inject
// structure.
var escaper = strings.NewReplacer(
	"&", "&amp;",
	"<", "&lt;",
	">", "&gt;",
	`"`, "&quot;",
)

// Escape escapes markup-significant characters in s.
func Escape(s string) string {
	return escaper.Replace(s)
}

// HistorySource provides the recent messages of a conversation,
// newest first. *store.Store satisfies this.
type HistorySource interface {
	GetRecentMessages(conversationID string, limit int) ([]store.Message, error)
}

// Builder renders conversation windows.
type Builder struct {
	source        HistorySource
	assistantName string
	window        int
}

// NewBuilder creates a Builder reading from source. assistantName
// labels assistant turns in the transcript; window bounds the number of
// messages included (<= 0 selects DefaultWindow).
func NewBuilder(source HistorySource, assistantName string, window int) *Builder {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Builder{
		source:        source,
		assistantName: assistantName,
		window:        window,
	}
}

// Window returns the configured window size.
func (b *Builder) Window() int {
	return b.window
}

// Build fetches the most recent messages for a conversation and renders
// them as an escaped transcript, oldest first. Pure read; no side
// effects on the store.
func (b *Builder) Build(conversationID string) (string, error) {
	recent, err := b.source.GetRecentMessages(conversationID, b.window)
	if err != nil {
		return "", fmt.Errorf("fetch recent messages: %w", err)
	}

	var sb strings.Builder
	sb.WriteString("<messages>\n")

	// The store returns newest first; walk backwards to restore
	// chronological order.
	for i := len(recent) - 1; i >= 0; i-- {
		msg := recent[i]
		sender := "User"
		if msg.Sender == store.SenderAssistant {
			sender = b.assistantName
		}
		fmt.Fprintf(&sb, "<message sender=\"%s\" time=\"%s\">%s</message>\n",
			Escape(sender),
			msg.Timestamp.UTC().Format(time.RFC3339),
			Escape(msg.Content),
		)
	}

	sb.WriteString("</messages>")
	return sb.String(), nil
}
