// Package llms holds the model-facing types shared by every driver: chat
// messages, streaming chunks and the client interfaces the orchestration
// core consumes.
package llms

type MessageRole string

const (
	MessageRoleSystem    MessageRole = "system"
	MessageRoleUser      MessageRole = "user"
	MessageRoleAssistant MessageRole = "assistant"
)

// Message is a single chat message in model order.
type Message struct {
	Role    MessageRole `json:"role"`
	Content string      `json:"content"`
}

func SystemMessage(content string) Message {
	return Message{Role: MessageRoleSystem, Content: content}
}

func UserMessage(content string) Message {
	return Message{Role: MessageRoleUser, Content: content}
}

func AssistantMessage(content string) Message {
	return Message{Role: MessageRoleAssistant, Content: content}
}
