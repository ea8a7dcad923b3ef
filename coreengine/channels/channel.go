// Package channels connects external messaging surfaces to the framework.
//
// A Channel delivers inbound direct messages and sends replies. The
// Dispatcher sits between a Channel and the framework: it filters and
// dedups inbound messages, runs the pipeline, and pushes every outbound
// send through a rate-limited queue.
package channels

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/AporiaLabs/echo/coreengine/pipeline"
)

// DefaultMaxPostLen is the per-chunk limit for published posts.
const DefaultMaxPostLen = 280

// ErrUserNotConnected is returned by SendDirect when the user has no
// open session on the channel.
var ErrUserNotConnected = errors.New("user not connected")

// Message is one inbound message as seen by a channel.
type Message struct {
	ID        string
	UserID    string
	Text      string
	ImageURLs []string
	// Direct is false for group or public conversations.
	Direct bool
	// FromSelf marks messages authored by the agent's own account.
	FromSelf bool
}

// InboundHandler receives messages accepted by a channel.
type InboundHandler func(ctx context.Context, msg Message)

// Delivered describes a message the channel sent.
type Delivered struct {
	ID     string    `json:"id"`
	UserID string    `json:"userId,omitempty"`
	Text   string    `json:"text"`
	SentAt time.Time `json:"sentAt"`
}

// Channel is a messaging surface.
type Channel interface {
	Name() string
	Source() pipeline.InputSource
	// Start begins delivering inbound messages to handler. It returns once
	// the channel is accepting messages.
	Start(ctx context.Context, handler InboundHandler) error
	SendDirect(ctx context.Context, userID, text string) (*Delivered, error)
	Close() error
}

// Publisher publishes a post as a thread of chunks.
type Publisher interface {
	Publish(ctx context.Context, chunks []string) ([]Delivered, error)
}

// SplitPost splits text into chunks of at most max runes. Sentence
// boundaries are preferred, then word boundaries; a single word longer
// than max is cut. Whitespace runs collapse to single spaces.
func SplitPost(text string, max int) []string {
	if max <= 0 {
		max = DefaultMaxPostLen
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if utf8.RuneCountInString(text) <= max {
		return []string{text}
	}

	var chunks []string
	var cur string
	flush := func() {
		if cur != "" {
			chunks = append(chunks, cur)
			cur = ""
		}
	}

	for _, sentence := range sentences(text) {
		if utf8.RuneCountInString(sentence) > max {
			flush()
			parts := packWords(strings.Fields(sentence), max)
			chunks = append(chunks, parts[:len(parts)-1]...)
			cur = parts[len(parts)-1]
			continue
		}
		cur = join(cur, sentence, max, flush)
	}
	flush()
	return chunks
}

// join appends next to cur when it fits, flushing otherwise.
func join(cur, next string, max int, flush func()) string {
	if cur == "" {
		return next
	}
	if utf8.RuneCountInString(cur)+1+utf8.RuneCountInString(next) <= max {
		return cur + " " + next
	}
	flush()
	return next
}

func sentences(text string) []string {
	var out []string
	var words []string
	for _, w := range strings.Fields(text) {
		words = append(words, w)
		if strings.ContainsAny(w[len(w)-1:], ".!?") {
			out = append(out, strings.Join(words, " "))
			words = nil
		}
	}
	if len(words) > 0 {
		out = append(out, strings.Join(words, " "))
	}
	return out
}

func packWords(words []string, max int) []string {
	var out []string
	var cur string
	for _, w := range words {
		for utf8.RuneCountInString(w) > max {
			if cur != "" {
				out = append(out, cur)
				cur = ""
			}
			r := []rune(w)
			out = append(out, string(r[:max]))
			w = string(r[max:])
		}
		if w == "" {
			continue
		}
		switch {
		case cur == "":
			cur = w
		case utf8.RuneCountInString(cur)+1+utf8.RuneCountInString(w) <= max:
			cur += " " + w
		default:
			out = append(out, cur)
			cur = w
		}
	}
	if cur != "" {
		out = append(out, cur)
	}
	return out
}
