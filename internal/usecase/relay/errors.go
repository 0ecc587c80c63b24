package relay

import (
	"errors"
	"strings"

	"chatrelay/internal/domain"
)

// stageMessages are reported to clients verbatim when a request ends in
// one of these states.
var stageMessages = []struct {
	err  error
	text string
}{
	{domain.ErrMessageRequired, "Message required"},
	{domain.ErrProviderNotFound, "Provider not supported"},
	{domain.ErrAPIKeyRequired, "API key required"},
	{domain.ErrAssistantUnsupported, "Assistant mode not supported"},
	{domain.ErrAssistantRefRequired, "Assistant ID required"},
	{domain.ErrInvalidRole, "Invalid history"},
	{domain.ErrThreadCreate, "thread creation failed"},
	{domain.ErrMessageAdd, "failed to add message"},
	{domain.ErrRunStart, "failed to start run"},
	{domain.ErrPollTimeout, "timeout"},
	{domain.ErrResultFetch, "failed to fetch result"},
}

// PublicMessage returns the text of the terminal Error event for err.
func PublicMessage(err error) string {
	for _, m := range stageMessages {
		if errors.Is(err, m.err) {
			return m.text
		}
	}

	var rf *RunFailedError
	if errors.As(err, &rf) {
		return rf.Error()
	}
	var pe *domain.ProviderError
	if errors.As(err, &pe) {
		return pe.Error()
	}
	if errors.Is(err, domain.ErrTransport) {
		return transportMessage(err)
	}
	return "Request failed"
}

// transportMessage keeps the "API request failed: ..." part of err and
// drops any operation prefixes added on the way up.
func transportMessage(err error) string {
	msg := err.Error()
	if i := strings.Index(msg, domain.ErrTransport.Error()); i > 0 {
		return msg[i:]
	}
	return msg
}
