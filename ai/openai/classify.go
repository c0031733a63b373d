package openai

import (
	"context"
	"errors"
	"regexp"
	"strconv"
	"strings"

	"github.com/poiesic/docingest/ai"
)

// The langchaingo client reports HTTP failures as
// "API returned unexpected status code: 429: ...".
var statusCodePattern = regexp.MustCompile(`status code:?\s*(\d{3})`)

var (
	rateLimitHints    = []string{"rate limit", "too many requests", "quota"}
	invalidInputHints = []string{"maximum context length", "too many tokens", "input is too long", "invalid input", "invalid_request"}
)

// classifyError maps a client error onto the embedding failure kinds.
// Caller cancellation is returned untouched.
func classifyError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ai.ServiceUnavailable(err)
	}

	if m := statusCodePattern.FindStringSubmatch(err.Error()); m != nil {
		code, _ := strconv.Atoi(m[1])
		switch {
		case code == 429:
			return ai.RateLimited(err)
		case code == 401 || code == 403:
			return ai.Unauthorized(err)
		case code == 400 || code == 413 || code == 422:
			return ai.InvalidInput(err)
		case code >= 500:
			return ai.ServiceUnavailable(err)
		}
	}

	msg := strings.ToLower(err.Error())
	for _, hint := range rateLimitHints {
		if strings.Contains(msg, hint) {
			return ai.RateLimited(err)
		}
	}
	for _, hint := range invalidInputHints {
		if strings.Contains(msg, hint) {
			return ai.InvalidInput(err)
		}
	}

	// Transport failures and unknown statuses
	return ai.ServiceUnavailable(err)
}
