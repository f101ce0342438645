package handler

import "github.com/humanagencyorg/twilio-stub/pkg/dialog"

// ErrorResponse is the body of every error reply.
type ErrorResponse struct {
	Error string `json:"error"`
}

// Channel is the js_api channel record stored under channel_<name>.
type Channel struct {
	Name       string `json:"name"`
	CustomerID string `json:"customer_id"`
	ChatID     string `json:"chat_id,omitempty"`
}

// Assistant is the assistant record stored under the chatbot key.
type Assistant struct {
	Sid              string `json:"sid"`
	FriendlyName     string `json:"friendly_name,omitempty"`
	UniqueName       string `json:"unique_name"`
	DevelopmentStage string `json:"development_stage,omitempty"`
}

// CustomSay is one entry of a custom channel reply.
type CustomSay struct {
	Text string `json:"text"`
}

// CustomResponse is the reply of the custom channel endpoint.
type CustomResponse struct {
	Response struct {
		Says []CustomSay `json:"says"`
	} `json:"response"`
}

// FallbackResponse is the custom channel reply to the literal "fallback".
type FallbackResponse struct {
	CurrentTask string `json:"current_task"`
}

// PostMessageRequest is the js_api message body.
type PostMessageRequest struct {
	Message string `json:"message"`
}

// LastMessageResponse wraps the newest message of a channel.
type LastMessageResponse struct {
	Message *dialog.Message `json:"message"`
}

// UpdateSchemaRequest carries a whole schema as a JSON string.
type UpdateSchemaRequest struct {
	Schema string `json:"schema"`
}

// SidResponse answers create calls.
type SidResponse struct {
	Sid        string `json:"sid"`
	UniqueName string `json:"unique_name,omitempty"`
}

// ChannelResponse answers the channel lookup.
type ChannelResponse struct {
	UniqueName string `json:"unique_name"`
	Sid        string `json:"sid"`
}
