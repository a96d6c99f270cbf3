// Package events defines the domain events published after an exchange is committed.
package events

import "time"

// ExchangeRecorded 在一次用户/机器人消息对成功提交后发布。
type ExchangeRecorded struct {
	ConversationID string    `json:"conversation_id"`
	Created        bool      `json:"created"`
	Topic          string    `json:"topic"`
	Stance         string    `json:"stance"`
	UserMessageID  string    `json:"user_message_id"`
	BotMessageID   string    `json:"bot_message_id"`
	RecordedAt     time.Time `json:"recorded_at"`
}
