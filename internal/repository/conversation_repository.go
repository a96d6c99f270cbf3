// Package repository 提供了数据访问层的实现。
package repository

import (
	"context"
	"debate-bot-go/internal/model"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrConversationNotFound 表示指定 ID 的会话不存在。
var ErrConversationNotFound = errors.New("conversation not found")

// ConversationRepository 定义了会话与消息的持久化操作。
type ConversationRepository interface {
	CreateConversation(ctx context.Context) (*model.Conversation, error)
	// GetConversationForUpdate 读取会话并持有排他锁直到外层事务结束。
	GetConversationForUpdate(ctx context.Context, id string) (*model.Conversation, error)
	SetTopicAndStance(ctx context.Context, conv *model.Conversation, topic string, stance model.Stance) error
	CreateMessage(ctx context.Context, conv *model.Conversation, role model.Role, content string) (*model.Message, error)
	// LastMessages 按时间倒序（最新在前）返回最多 limit 条消息。
	LastMessages(ctx context.Context, conv *model.Conversation, limit int) ([]model.Message, error)
	// Transaction 在同一个数据库事务中执行 fn，fn 返回错误时整体回滚。
	Transaction(ctx context.Context, fn func(repo ConversationRepository) error) error
}

type conversationRepository struct {
	db              *gorm.DB
	clock           *clock
	lockWaitSeconds int
}

// NewConversationRepository 创建一个新的 ConversationRepository 实例。
// lockWaitSeconds > 0 时，MySQL 事务的行锁等待时间被限制为该值。
func NewConversationRepository(db *gorm.DB, lockWaitSeconds int) ConversationRepository {
	return &conversationRepository{db: db, clock: &clock{}, lockWaitSeconds: lockWaitSeconds}
}

// CreateConversation 创建一个 topic 为空、stance 未定的会话。
func (r *conversationRepository) CreateConversation(ctx context.Context) (*model.Conversation, error) {
	now := r.clock.now()
	conv := &model.Conversation{
		ID:        uuid.NewString(),
		Stance:    model.StanceUndetermined,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := r.db.WithContext(ctx).Create(conv).Error; err != nil {
		return nil, fmt.Errorf("failed to create conversation: %w", err)
	}
	return conv, nil
}

// GetConversationForUpdate 使用 SELECT ... FOR UPDATE 读取会话。
// 非法的 UUID 与不存在的 ID 一样返回 ErrConversationNotFound。
func (r *conversationRepository) GetConversationForUpdate(ctx context.Context, id string) (*model.Conversation, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, ErrConversationNotFound
	}
	var conv model.Conversation
	err := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", id).
		First(&conv).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrConversationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock conversation %s: %w", id, err)
	}
	return &conv, nil
}

// SetTopicAndStance 写入 topic/stance 并刷新 updated_at。是否只调用一次由调用方保证。
func (r *conversationRepository) SetTopicAndStance(ctx context.Context, conv *model.Conversation, topic string, stance model.Stance) error {
	now := r.clock.now()
	err := r.db.WithContext(ctx).Model(&model.Conversation{}).
		Where("id = ?", conv.ID).
		Updates(map[string]interface{}{
			"topic":      topic,
			"stance":     stance,
			"updated_at": now,
		}).Error
	if err != nil {
		return fmt.Errorf("failed to set topic and stance: %w", err)
	}
	conv.Topic = topic
	conv.Stance = stance
	conv.UpdatedAt = now
	return nil
}

// CreateMessage 追加一条消息。ID 使用 UUIDv7，与 created_at 一同构成稳定的排序键。
func (r *conversationRepository) CreateMessage(ctx context.Context, conv *model.Conversation, role model.Role, content string) (*model.Message, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("failed to generate message id: %w", err)
	}
	msg := &model.Message{
		ID:             id.String(),
		ConversationID: conv.ID,
		Role:           role,
		Content:        content,
		CreatedAt:      r.clock.now(),
	}
	if err := r.db.WithContext(ctx).Create(msg).Error; err != nil {
		return nil, fmt.Errorf("failed to create message: %w", err)
	}
	return msg, nil
}

// LastMessages 返回最新的 limit 条消息，最新在前。limit <= 0 时返回空切片。
func (r *conversationRepository) LastMessages(ctx context.Context, conv *model.Conversation, limit int) ([]model.Message, error) {
	messages := []model.Message{}
	if limit <= 0 {
		return messages, nil
	}
	err := r.db.WithContext(ctx).
		Where("conversation_id = ?", conv.ID).
		Order("created_at DESC").
		Order("id DESC").
		Limit(limit).
		Find(&messages).Error
	if err != nil {
		return nil, fmt.Errorf("failed to get last messages: %w", err)
	}
	return messages, nil
}

// Transaction 开启事务并把绑定到该事务的 repository 传给 fn。
func (r *conversationRepository) Transaction(ctx context.Context, fn func(repo ConversationRepository) error) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if r.lockWaitSeconds > 0 && tx.Dialector.Name() == "mysql" {
			// 避免协作方故障时请求无限期等待行锁
			stmt := fmt.Sprintf("SET SESSION innodb_lock_wait_timeout = %d", r.lockWaitSeconds)
			if err := tx.Exec(stmt).Error; err != nil {
				return fmt.Errorf("failed to set lock wait timeout: %w", err)
			}
		}
		return fn(&conversationRepository{db: tx, clock: r.clock, lockWaitSeconds: r.lockWaitSeconds})
	})
}

// clock 生成严格递增的微秒级时间戳，保证同一请求内用户消息排在机器人消息之前。
type clock struct {
	mu   sync.Mutex
	last time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := time.Now().UTC().Truncate(time.Microsecond)
	if !t.After(c.last) {
		t = c.last.Add(time.Microsecond)
	}
	c.last = t
	return t
}
