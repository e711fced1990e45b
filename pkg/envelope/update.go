package envelope

import "encoding/json"

// Update mirrors the subset of the Telegram Update object the gateway reads.
// Unknown fields are dropped during decoding, which doubles as the recursive
// nil-prune of the original wire payload.
type Update struct {
	UpdateID      int64    `json:"update_id"`
	Message       *Message `json:"message,omitempty"`
	EditedMessage *Message `json:"edited_message,omitempty"`
}

type Message struct {
	MessageID       int64       `json:"message_id"`
	MessageThreadID int64       `json:"message_thread_id,omitempty"`
	Date            int64       `json:"date"`
	Chat            *Chat       `json:"chat,omitempty"`
	From            *User       `json:"from,omitempty"`
	Text            string      `json:"text,omitempty"`
	Caption         string      `json:"caption,omitempty"`
	ReplyToMessage  *Message    `json:"reply_to_message,omitempty"`
	Photo           []PhotoSize `json:"photo,omitempty"`
	Document        *Document   `json:"document,omitempty"`
	Documents       []Document  `json:"documents,omitempty"`
	Voice           *Voice      `json:"voice,omitempty"`
}

type Chat struct {
	ID           int64  `json:"id"`
	Type         string `json:"type"`
	Title        string `json:"title,omitempty"`
	ThreadID     int64  `json:"thread_id,omitempty"`
	LanguageCode string `json:"language_code,omitempty"`
}

type User struct {
	ID           int64  `json:"id"`
	IsBot        bool   `json:"is_bot,omitempty"`
	Username     string `json:"username,omitempty"`
	FirstName    string `json:"first_name,omitempty"`
	LastName     string `json:"last_name,omitempty"`
	LanguageCode string `json:"language_code,omitempty"`
}

type PhotoSize struct {
	FileID       string `json:"file_id"`
	FileUniqueID string `json:"file_unique_id,omitempty"`
	FileSize     int64  `json:"file_size,omitempty"`
	Width        int    `json:"width,omitempty"`
	Height       int    `json:"height,omitempty"`
}

type Document struct {
	FileID       string `json:"file_id"`
	FileUniqueID string `json:"file_unique_id,omitempty"`
	FileName     string `json:"file_name,omitempty"`
	MimeType     string `json:"mime_type,omitempty"`
	FileSize     int64  `json:"file_size,omitempty"`
}

type Voice struct {
	FileID       string `json:"file_id"`
	FileUniqueID string `json:"file_unique_id,omitempty"`
	Duration     int    `json:"duration,omitempty"`
	MimeType     string `json:"mime_type,omitempty"`
	FileSize     int64  `json:"file_size,omitempty"`
}

// ParseUpdate decodes a raw Telegram update body.
func ParseUpdate(raw []byte) (*Update, error) {
	var update Update
	if err := json.Unmarshal(raw, &update); err != nil {
		return nil, newValidationError("update", "invalid JSON: "+err.Error())
	}

	return &update, nil
}
