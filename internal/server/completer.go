// Package server implements the backend side of the inline completion
// protocol: a WebSocket endpoint that answers completion requests by
// streaming fragments produced by a Completer.
package server

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ricochet1k/inlinecomplete/pkg/protocol"
)

// Completer produces the completion for one request. Each call to emit
// delivers the next fragment of the completion; an error from emit means the
// client went away and Complete should stop.
type Completer interface {
	Complete(ctx context.Context, req protocol.Request, emit func(fragment string) error) error
}

// CompleterFunc adapts a function to Completer.
type CompleterFunc func(ctx context.Context, req protocol.Request, emit func(string) error) error

func (f CompleterFunc) Complete(ctx context.Context, req protocol.Request, emit func(string) error) error {
	return f(ctx, req, emit)
}

// StaticCompleter replays a fixed list of fragments. It needs no model and
// is what the server runs when no backend is configured.
type StaticCompleter struct {
	Fragments []string
	// Delay is slept before each fragment.
	Delay time.Duration
}

var _ Completer = (*StaticCompleter)(nil)

func (s *StaticCompleter) Complete(ctx context.Context, _ protocol.Request, emit func(string) error) error {
	for _, fragment := range s.Fragments {
		if s.Delay > 0 {
			timer := time.NewTimer(s.Delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}
		if err := emit(fragment); err != nil {
			return err
		}
	}
	return nil
}

const instructions = `You are a code completion engine. You are given the text before and after the cursor in a %s document.
Reply with only the text to insert at the cursor. Do not repeat the text before the cursor, do not add explanations, and do not wrap the answer in markdown fences.`

// BuildPrompt renders a request into model instructions and a user prompt.
func BuildPrompt(req protocol.Request) (system, prompt string) {
	language := req.Language
	if language == "" {
		language = "plain English"
	}
	system = fmt.Sprintf(instructions, language)

	var b strings.Builder
	if req.Path != "" {
		fmt.Fprintf(&b, "File: %s\n", req.Path)
	}
	b.WriteString("<prefix>")
	b.WriteString(req.Prefix)
	b.WriteString("</prefix>\n<suffix>")
	b.WriteString(req.Suffix)
	b.WriteString("</suffix>\nCompletion:")
	return system, b.String()
}
