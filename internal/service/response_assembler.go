package service

import (
	"context"
	"debate-bot-go/internal/model"
	"debate-bot-go/internal/repository"
)

// MessageDTO 是返回给客户端的单条消息。
type MessageDTO struct {
	Role    model.Role `json:"role"`
	Content string     `json:"content"`
}

// ExchangeResponse 是 POST /message 的响应体。
// Messages 保持存储层返回的顺序（最新在前），不能重新排序。
type ExchangeResponse struct {
	ConversationID string       `json:"conversation_id"`
	Messages       []MessageDTO `json:"message"`
}

// ResponseAssembler 把会话最近的消息窗口渲染为响应体。
type ResponseAssembler struct {
	window int
}

// NewResponseAssembler 创建一个窗口大小为 window 的 ResponseAssembler。
func NewResponseAssembler(window int) *ResponseAssembler {
	return &ResponseAssembler{window: window}
}

// Build 读取最近 window 条消息并转换为 role/content 对。
func (a *ResponseAssembler) Build(ctx context.Context, repo repository.ConversationRepository, conv *model.Conversation) (*ExchangeResponse, error) {
	messages, err := repo.LastMessages(ctx, conv, a.window)
	if err != nil {
		return nil, err
	}
	resp := &ExchangeResponse{
		ConversationID: conv.ID,
		Messages:       make([]MessageDTO, 0, len(messages)),
	}
	for _, m := range messages {
		resp.Messages = append(resp.Messages, MessageDTO{Role: m.Role, Content: m.Content})
	}
	return resp, nil
}
