package domain

import "fmt"

// Role constants for conversation turns.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Turn is one message in a conversation.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ValidRole reports whether role is one of the three conversation roles.
func ValidRole(role string) bool {
	switch role {
	case RoleSystem, RoleUser, RoleAssistant:
		return true
	}
	return false
}

// Mode selects how a request reaches the provider.
type Mode string

const (
	ModeDirect    Mode = "direct"
	ModeAssistant Mode = "assistant"
)

// ChatRequest is one fully resolved relay request.
type ChatRequest struct {
	Provider       string
	Model          string
	APIKey         string
	Turns          []Turn // prior conversation, oldest first
	CurrentMessage string
	Definition     string // system instructions, may be empty
	Mode           Mode
	AssistantRef   string
	Context        string // opaque page context
}

// Validate checks request invariants before any outbound call is made.
func (r ChatRequest) Validate() error {
	if r.CurrentMessage == "" {
		return NewDomainError("ChatRequest.Validate", ErrMessageRequired, "")
	}
	if r.Mode == ModeAssistant && r.AssistantRef == "" {
		return NewDomainError("ChatRequest.Validate", ErrAssistantRefRequired, r.Provider)
	}
	for i, t := range r.Turns {
		if !ValidRole(t.Role) {
			return NewDomainError("ChatRequest.Validate", ErrInvalidRole, fmt.Sprintf("turn %d: %q", i, t.Role))
		}
	}
	return nil
}

// InboundRequest is what a client submits to the relay.
type InboundRequest struct {
	Message  string `json:"message"`
	History  []Turn `json:"history,omitempty"`
	Context  string `json:"context,omitempty"`
	Provider string `json:"provider,omitempty"`
}
