package model

import (
	"context"
	"errors"
	"strings"
)

// ClassifyError maps a raw provider SDK error onto a *ProviderError by
// substring inspection of the error text. The SDKs do not share error
// types, but their messages carry HTTP status codes and stable keywords.
func ClassifyError(provider string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &ProviderError{Provider: provider, Code: ErrCodeTimeout, Message: "request timed out", Retryable: true}
	}

	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, "401", "403", "unauthorized", "authentication", "invalid api key", "api_key"):
		return &ProviderError{Provider: provider, Code: ErrCodeInvalidAPIKey, Message: err.Error(), Retryable: false}
	case containsAny(msg, "429", "rate limit", "rate_limit", "too many requests", "resource_exhausted"):
		return &ProviderError{Provider: provider, Code: ErrCodeRateLimited, Message: err.Error(), Retryable: true}
	case containsAny(msg, "quota", "insufficient_quota", "billing"):
		return &ProviderError{Provider: provider, Code: ErrCodeQuotaExceeded, Message: err.Error(), Retryable: false}
	case containsAny(msg, "500", "502", "503", "504", "internal server error", "overloaded", "service unavailable"):
		return &ProviderError{Provider: provider, Code: ErrCodeServerError, Message: err.Error(), Retryable: true}
	case containsAny(msg, "timeout", "deadline", "connection"):
		return &ProviderError{Provider: provider, Code: ErrCodeTimeout, Message: err.Error(), Retryable: true}
	default:
		return &ProviderError{Provider: provider, Code: ErrCodeAPIError, Message: err.Error(), Retryable: false}
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
