// Package model 包含了应用的数据模型定义。
package model

import (
	"fmt"
	"time"
)

// Stance 是机器人在一次辩论中坚持的立场。
type Stance string

const (
	StancePro          Stance = "pro"
	StanceCon          Stance = "con"
	StanceUndetermined Stance = "undetermined"
)

// TopicUndetermined 表示首条消息不足以确定辩题（例如闲聊）。
const TopicUndetermined = "undetermined"

// ParseStance 将协作方返回的立场规范化。未知取值返回 false。
func ParseStance(s string) (Stance, bool) {
	switch Stance(s) {
	case StancePro, StanceCon, StanceUndetermined:
		return Stance(s), true
	}
	return "", false
}

// Role 标识消息的发送方。
type Role string

const (
	RoleUser Role = "user"
	RoleBot  Role = "bot"
)

// Conversation 代表一次辩论会话。Topic 与 Stance 在创建完成时由编排层写入一次，此后不再修改。
type Conversation struct {
	ID        string    `gorm:"type:char(36);primaryKey" json:"conversationId"`
	Topic     string    `gorm:"type:text;not null" json:"topic"`
	Stance    Stance    `gorm:"type:varchar(16);not null" json:"stance"`
	CreatedAt time.Time `gorm:"precision:6;index" json:"createdAt"`
	UpdatedAt time.Time `gorm:"precision:6" json:"updatedAt"`
	Messages  []Message `gorm:"foreignKey:ConversationID;constraint:OnDelete:CASCADE" json:"-"`
}

func (Conversation) TableName() string {
	return "conversations"
}

func (c Conversation) String() string {
	return fmt.Sprintf("Conversation %s", c.ID)
}

// Message 代表会话中的一条不可变消息。
// 会话内的规范顺序为 (created_at, id) 升序。
type Message struct {
	ID             string    `gorm:"type:char(36);primaryKey" json:"messageId"`
	ConversationID string    `gorm:"type:char(36);not null;index:idx_messages_conversation_created,priority:1" json:"conversationId"`
	Role           Role      `gorm:"type:varchar(10);not null;index" json:"role"`
	Content        string    `gorm:"type:text;not null" json:"content"`
	CreatedAt      time.Time `gorm:"precision:6;index:idx_messages_conversation_created,priority:2" json:"createdAt"`
}

func (Message) TableName() string {
	return "messages"
}

func (m Message) String() string {
	short := m.ID
	if len(short) > 8 {
		short = short[:8]
	}
	return fmt.Sprintf("[%s] %s · %s", m.Role, m.ConversationID, short)
}
