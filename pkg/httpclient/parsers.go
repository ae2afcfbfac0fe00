package httpclient

import (
	"net/http"
	"strconv"
	"time"
)

// ParseOpenAIHeaders reads OpenAI-style rate-limit headers. Compatible
// endpoints (Azure, vLLM, most proxies) use the same header names.
func ParseOpenAIHeaders(headers http.Header) RateLimitInfo {
	info := RateLimitInfo{}

	if retryAfter := headers.Get("Retry-After"); retryAfter != "" {
		if seconds, err := strconv.Atoi(retryAfter); err == nil {
			info.RetryAfter = time.Duration(seconds) * time.Second
		}
	}

	for _, h := range []string{"x-ratelimit-reset-tokens", "x-ratelimit-reset-requests"} {
		if v := headers.Get(h); v != "" {
			if reset, err := strconv.ParseInt(v, 10, 64); err == nil {
				info.ResetTime = reset
				break
			}
		}
	}

	if v := headers.Get("x-ratelimit-remaining-requests"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			info.RequestsRemaining = n
		}
	}
	if v := headers.Get("x-ratelimit-remaining-tokens"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			info.TokensRemaining = n
		}
	}

	return info
}

// ParseAnthropicHeaders reads Anthropic's rate-limit headers, which carry
// RFC3339 reset times instead of unix seconds.
func ParseAnthropicHeaders(headers http.Header) RateLimitInfo {
	info := RateLimitInfo{}

	if retryAfter := headers.Get("retry-after"); retryAfter != "" {
		if seconds, err := strconv.Atoi(retryAfter); err == nil {
			info.RetryAfter = time.Duration(seconds) * time.Second
		}
	}

	for _, h := range []string{
		"anthropic-ratelimit-requests-reset",
		"anthropic-ratelimit-input-tokens-reset",
		"anthropic-ratelimit-output-tokens-reset",
	} {
		if v := headers.Get(h); v != "" {
			if reset, err := time.Parse(time.RFC3339, v); err == nil {
				info.ResetTime = reset.Unix()
				break
			}
		}
	}

	if v := headers.Get("anthropic-ratelimit-requests-remaining"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			info.RequestsRemaining = n
		}
	}

	return info
}
