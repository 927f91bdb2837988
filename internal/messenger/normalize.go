package messenger

import (
	"encoding/json"
	"strconv"
	"time"
)

// Stand-in labels for messages whose author details never arrived.
const (
	selfFallbackName  = "You"
	otherFallbackName = "Unknown user"
)

// wireSender tolerates the shapes the sender field arrives in: a full user
// object, a bare numeric id, or a numeric string.
type wireSender struct {
	ID       uint   `json:"id"`
	Username string `json:"username"`
	Avatar   string `json:"avatar"`
}

func (w *wireSender) UnmarshalJSON(data []byte) error {
	// Bare id forms first.
	var id uint
	if err := json.Unmarshal(data, &id); err == nil {
		w.ID = id
		return nil
	}
	var idStr string
	if err := json.Unmarshal(data, &idStr); err == nil {
		n, err := strconv.ParseUint(idStr, 10, 64)
		if err != nil {
			return err
		}
		w.ID = uint(n)
		return nil
	}
	type full wireSender
	var f full
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	*w = wireSender(f)
	return nil
}

// wireMessage mirrors the server message payload. Sender may be absent; the
// bare sender_id is always present.
type wireMessage struct {
	ID             uint        `json:"id"`
	ConversationID uint        `json:"conversation_id"`
	SenderID       uint        `json:"sender_id"`
	Sender         *wireSender `json:"sender"`
	Text           string      `json:"text"`
	Read           bool        `json:"read"`
	CreatedAt      time.Time   `json:"created_at"`
	ClientKey      string      `json:"client_key"`
}

// normalize converts any inbound message representation into the canonical
// display shape. When the author is unresolved it falls back to a stand-in
// label: the session owner's own id renders as "You", anyone else as
// "Unknown user".
func normalize(w wireMessage, selfID uint) Message {
	senderID := w.SenderID
	username := ""
	avatar := ""
	if w.Sender != nil {
		if w.Sender.ID != 0 {
			senderID = w.Sender.ID
		}
		username = w.Sender.Username
		avatar = w.Sender.Avatar
	}
	if username == "" {
		if senderID == selfID {
			username = selfFallbackName
		} else {
			username = otherFallbackName
		}
	}
	return Message{
		ID:        w.ID,
		ClientKey: w.ClientKey,
		ChatID:    w.ConversationID,
		Sender:    Sender{ID: senderID, Username: username, Avatar: avatar},
		Text:      w.Text,
		Read:      w.Read,
		CreatedAt: w.CreatedAt,
	}
}
