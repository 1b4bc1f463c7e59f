// Package completion is the narrow contract to LLM completion and streaming
// providers, plus the error taxonomy the retry policy relies on.
package completion

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type Message struct {
	Role    string
	Content string
}

type Params struct {
	Model       string
	Temperature float64
	MaxTokens   int
}

type Response struct {
	Content      string
	Model        string
	InputTokens  int
	OutputTokens int
	StopReason   string
}

func (r Response) TokensUsed() int {
	return r.InputTokens + r.OutputTokens
}

// Client produces completions. Stream delivers partial output to onChunk as
// it arrives and returns the assembled response.
type Client interface {
	Complete(ctx context.Context, msgs []Message, p Params) (Response, error)
	Stream(ctx context.Context, msgs []Message, p Params, onChunk func(chunk string) error) (Response, error)
}

var (
	ErrRateLimited      = errors.New("completion: rate limited")
	ErrConnectionFailed = errors.New("completion: connection failed")
)

// PermanentError is a provider failure that retrying cannot fix, such as a
// malformed request or rejected credentials.
type PermanentError struct {
	Provider string
	Err      error
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("%s: %v", e.Provider, e.Err)
}

func (e *PermanentError) Unwrap() error { return e.Err }

// IsTransient reports whether err is worth another attempt.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var perm *PermanentError
	if errors.As(err, &perm) {
		return false
	}
	if errors.Is(err, ErrRateLimited) || errors.Is(err, ErrConnectionFailed) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// Classify maps a raw provider error onto the taxonomy. Errors that are
// already classified, or caused by the caller's own cancellation, pass
// through unchanged.
func Classify(provider string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrRateLimited) || errors.Is(err, ErrConnectionFailed) || errors.Is(err, context.Canceled) {
		return err
	}
	var perm *PermanentError
	if errors.As(err, &perm) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return fmt.Errorf("%s: %w: %w", provider, ErrConnectionFailed, err)
	}
	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, "429", "rate limit", "rate_limit", "too many requests", "overloaded", "529"):
		return fmt.Errorf("%s: %w: %w", provider, ErrRateLimited, err)
	case containsAny(msg, "timeout", "timed out", "connection", "eof", "502", "503", "504", "unavailable"):
		return fmt.Errorf("%s: %w: %w", provider, ErrConnectionFailed, err)
	}
	return &PermanentError{Provider: provider, Err: err}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
