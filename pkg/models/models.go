// Package models holds the wire types shared by the relay server and its clients.
package models

// Role identifies the author of a chat message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant:
		return true
	}
	return false
}

// Message is a single chat turn fragment.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// GenerateRequest is the body of POST /api/generate.
type GenerateRequest struct {
	// Key is the caller's own upstream API key. Empty means "use the server key".
	Key string `json:"key,omitempty"`
	// Messages is the request window, system message first when present.
	Messages []Message `json:"messages"`
	// Pass is the site password, if the server has one configured.
	Pass string `json:"pass,omitempty"`
	// Time is the signing timestamp in milliseconds since the epoch.
	Time int64 `json:"time"`
	// Sign is the signature over Time and the last message content.
	Sign string `json:"sign"`
}

// LastContent returns the content of the last message, or "" when there is none.
func (r *GenerateRequest) LastContent() string {
	return LastContent(r.Messages)
}

// LastContent returns the content of the last message in msgs, or "".
func LastContent(msgs []Message) string {
	if len(msgs) == 0 {
		return ""
	}
	return msgs[len(msgs)-1].Content
}

// SignaturePayload is what gets signed for each request: the timestamp and
// the latest message content.
type SignaturePayload struct {
	T int64  `json:"t"`
	M string `json:"m"`
}

// StatusResponse is returned by GET /status.
type StatusResponse struct {
	Status     string `json:"status"`
	Production bool   `json:"production"`
	Password   bool   `json:"password"`
}
