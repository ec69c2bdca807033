package engine

import (
	"errors"
	"strings"
)

// ErrorClass categorizes model provider errors for failover decisions.
type ErrorClass string

const (
	ErrorClassAuth            ErrorClass = "AUTH"
	ErrorClassRateLimit       ErrorClass = "RATE_LIMIT"
	ErrorClassTimeout         ErrorClass = "TIMEOUT"
	ErrorClassBilling         ErrorClass = "BILLING"
	ErrorClassContextOverflow ErrorClass = "CONTEXT_OVERFLOW"
	ErrorClassUnavailable     ErrorClass = "UNAVAILABLE"
	ErrorClassUnknown         ErrorClass = "UNKNOWN"
)

var errorPatterns = []struct {
	class    ErrorClass
	patterns []string
}{
	{ErrorClassAuth, []string{"401", "403", "unauthorized", "invalid key", "invalid api key", "forbidden"}},
	{ErrorClassRateLimit, []string{"429", "rate limit", "rate_limit", "quota", "too many requests"}},
	{ErrorClassTimeout, []string{"deadline exceeded", "timeout", "timed out"}},
	{ErrorClassBilling, []string{"billing", "payment", "insufficient funds"}},
	{ErrorClassContextOverflow, []string{"context_length", "context length", "token limit", "max tokens", "maximum context", "context window"}},
}

// ClassifyError maps a provider error onto an ErrorClass by message pattern.
func ClassifyError(err error) ErrorClass {
	if err == nil {
		return ErrorClassUnknown
	}
	if errors.Is(err, ErrModelUnavailable) {
		return ErrorClassUnavailable
	}
	msg := strings.ToLower(err.Error())
	for _, group := range errorPatterns {
		for _, p := range group.patterns {
			if strings.Contains(msg, p) {
				return group.class
			}
		}
	}
	return ErrorClassUnknown
}
