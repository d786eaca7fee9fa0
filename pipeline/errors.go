package pipeline

import "fmt"

// RateLimitError is returned by a handler when the external API rate-limited
// it. The stream goes back to pending without consuming a retry and the whole
// run is delayed until the limit resets.
type RateLimitError struct {
	ResetSeconds int
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited, resets in %ds", e.ResetSeconds)
}

// AbortScope selects what an AbortError terminates.
type AbortScope string

const (
	// AbortUnit terminates the current stream or data record only.
	AbortUnit AbortScope = "unit"
	// AbortRun terminates the owning run; remaining work under it
	// short-circuits on its run-state check.
	AbortRun AbortScope = "run"
)

// AbortError is returned by a handler to terminate a unit or its run as an
// error without retrying. Handlers construct it through the context's
// AbortWithError and AbortRunWithError helpers.
type AbortError struct {
	Scope    AbortScope
	Message  string
	Metadata map[string]interface{}
}

func (e *AbortError) Error() string {
	return fmt.Sprintf("handler aborted %s: %s", e.Scope, e.Message)
}
