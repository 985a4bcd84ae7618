package store

import "time"

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type User struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	CreatedAt time.Time `json:"created_at"`
}

type Thread struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Title     *string   `json:"title"` // Nullable
	CreatedAt time.Time `json:"created_at"`
	Messages  []Message `json:"messages,omitempty"`
}

type Message struct {
	ID          string       `json:"id"`
	ThreadID    string       `json:"thread_id"`
	Seq         int64        `json:"seq"`
	Role        string       `json:"role"` // "user" or "assistant"
	Content     string       `json:"content"`
	Feedback    *string      `json:"feedback"`
	Attachments []Attachment `json:"files"`
	CreatedAt   time.Time    `json:"created_at"`
}

// Attachment is the durable reference to a staged upload.
type Attachment struct {
	ID          string `json:"id"`
	MessageID   string `json:"message_id"`
	Filename    string `json:"filename"`
	ContentType string `json:"mime_type"`
	Size        int64  `json:"size"`
	StorageRef  string `json:"storage_ref"`
}
