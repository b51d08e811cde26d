package ai

import "context"

// Provider streams one model response.
//
// Stream returns a channel of canonical events plus a wait function that
// blocks until the stream finishes and returns the assembled assistant
// message. The channel is closed when the stream ends for any reason.
//
// Errors that occur after the stream opened are delivered both as a terminal
// StreamError event and through wait. Cancel the request by cancelling ctx.
type Provider interface {
	Name() string
	Stream(ctx context.Context, model Model, llmCtx Context, opts StreamOptions) (<-chan StreamEvent, func() (*AssistantMessage, error))
}
