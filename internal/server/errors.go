package server

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/openai/openai-go/v3"
	"google.golang.org/genai"

	"github.com/ricochet1k/inlinecomplete/pkg/protocol"
)

// errorDetail converts a completer failure into the wire error shape.
func errorDetail(err error) *protocol.ErrorDetail {
	detail := &protocol.ErrorDetail{
		Type:      errorType(err),
		Title:     err.Error(),
		Traceback: fmt.Sprintf("%+v", err),
	}

	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		detail.Title = fmt.Sprintf("OpenAI request failed with status %d", apiErr.StatusCode)
		detail.Traceback = apiErr.Error()
	}
	var genaiErr genai.APIError
	if errors.As(err, &genaiErr) {
		detail.Title = fmt.Sprintf("Gemini request failed with status %d: %s", genaiErr.Code, genaiErr.Message)
	}
	return detail
}

func errorType(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "TimeoutError"
	case errors.Is(err, context.Canceled):
		return "CancelledError"
	}

	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return "OpenAIError"
	}
	var genaiErr genai.APIError
	if errors.As(err, &genaiErr) {
		return "GeminiError"
	}

	// Name the innermost error.
	for inner := errors.Unwrap(err); inner != nil; inner = errors.Unwrap(err) {
		err = inner
	}
	name := strings.TrimPrefix(fmt.Sprintf("%T", err), "*")
	if i := strings.LastIndex(name, "."); i >= 0 {
		name = name[i+1:]
	}
	if name == "errorString" {
		return "Error"
	}
	return name
}
