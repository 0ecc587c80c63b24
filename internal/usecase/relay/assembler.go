// Package relay turns one inbound chat request into a stream of canonical
// events: it assembles the conversation, routes it to the right provider
// protocol and normalizes whatever comes back.
package relay

import (
	"fmt"

	"chatrelay/internal/domain"
)

// Assemble builds the outbound turn list: an optional system turn holding
// definition, the history in caller order, then the current message as a
// user turn. It never deduplicates or truncates.
func Assemble(definition string, history []domain.Turn, current string) []domain.Turn {
	turns := make([]domain.Turn, 0, len(history)+2)
	if definition != "" {
		turns = append(turns, domain.Turn{Role: domain.RoleSystem, Content: definition})
	}
	turns = append(turns, history...)
	return append(turns, domain.Turn{Role: domain.RoleUser, Content: current})
}

const pageContextPrompt = "Current page content:\n\n%s\n\nPlease use this content as context when relevant to answer the user's questions."

// WithPageContext appends the page-context instruction to definition.
// An empty pageContext leaves definition unchanged.
func WithPageContext(definition, pageContext string) string {
	if pageContext == "" {
		return definition
	}
	prompt := fmt.Sprintf(pageContextPrompt, pageContext)
	if definition == "" {
		return prompt
	}
	return definition + "\n\n" + prompt
}

// WithQuestionContext prefixes message with page context the way hosted
// assistants expect it, since their instructions live on the provider side.
func WithQuestionContext(message, pageContext string) string {
	if pageContext == "" {
		return message
	}
	return "Context:\n" + pageContext + "\n\nUser Question: " + message
}
