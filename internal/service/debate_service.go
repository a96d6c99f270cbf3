// Package service 包含了应用的业务逻辑层。
package service

import (
	"context"
	"debate-bot-go/internal/config"
	"debate-bot-go/internal/model"
	"debate-bot-go/internal/repository"
	"debate-bot-go/pkg/events"
	"debate-bot-go/pkg/llm"
	"debate-bot-go/pkg/lock"
	"debate-bot-go/pkg/log"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

var (
	// ErrValidation 表示请求参数不合法，此时没有任何副作用。
	ErrValidation = errors.New("validation failed")
	// ErrConversationBusy 表示在等待时间内未能获得会话锁。
	ErrConversationBusy = errors.New("conversation is busy")
)

// SendMessageRequest 是一次用户发言。ConversationID 为 nil 时开启新会话。
type SendMessageRequest struct {
	ConversationID *string
	Message        string
}

// EventPublisher 在事务提交后接收会话事件。
type EventPublisher interface {
	PublishExchange(ctx context.Context, evt events.ExchangeRecorded) error
}

// NoopPublisher 丢弃所有事件，在未启用 Kafka 时使用。
type NoopPublisher struct{}

func (NoopPublisher) PublishExchange(context.Context, events.ExchangeRecorded) error { return nil }

// DebateService 定义了辩论会话编排的接口。
type DebateService interface {
	SendMessage(ctx context.Context, req SendMessageRequest) (*ExchangeResponse, error)
}

type debateService struct {
	repo      repository.ConversationRepository
	debater   llm.Debater
	locker    lock.Locker
	publisher EventPublisher
	assembler *ResponseAssembler
	cfg       config.DebateConfig
}

// NewDebateService 创建一个新的 DebateService。locker 与 publisher 为 nil 时使用空实现。
func NewDebateService(repo repository.ConversationRepository, debater llm.Debater, locker lock.Locker, publisher EventPublisher, cfg config.DebateConfig) DebateService {
	if locker == nil {
		locker = lock.Noop{}
	}
	if publisher == nil {
		publisher = NoopPublisher{}
	}
	return &debateService{
		repo:      repo,
		debater:   debater,
		locker:    locker,
		publisher: publisher,
		assembler: NewResponseAssembler(cfg.HistoryWindow),
		cfg:       cfg,
	}
}

// resolution 是“解析会话”的结果：新建的会话，或已加锁的既有会话及其最近历史。
type resolution interface {
	conversation() *model.Conversation
}

type createdConversation struct {
	conv *model.Conversation
}

type existingConversation struct {
	conv    *model.Conversation
	history []model.Message
}

func (r createdConversation) conversation() *model.Conversation  { return r.conv }
func (r existingConversation) conversation() *model.Conversation { return r.conv }

// SendMessage 新建或继续一次辩论，并在同一个事务中持久化用户消息与机器人回复。
func (s *debateService) SendMessage(ctx context.Context, req SendMessageRequest) (*ExchangeResponse, error) {
	text, conversationID, err := s.validate(req)
	if err != nil {
		return nil, err
	}

	if s.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.RequestTimeout)
		defer cancel()
	}

	if conversationID != "" {
		release, err := s.locker.Acquire(ctx, conversationID)
		if err != nil {
			if errors.Is(err, lock.ErrTimeout) {
				return nil, fmt.Errorf("%w: %v", ErrConversationBusy, err)
			}
			return nil, fmt.Errorf("failed to lock conversation %s: %w", conversationID, err)
		}
		defer release()
	}

	var (
		resp *ExchangeResponse
		evt  events.ExchangeRecorded
	)
	err = s.repo.Transaction(ctx, func(repo repository.ConversationRepository) error {
		res, err := s.resolve(ctx, repo, conversationID)
		if err != nil {
			return err
		}

		var botText string
		switch r := res.(type) {
		case createdConversation:
			opening, err := s.debater.InferTopicAndStance(ctx, text, []model.Message{})
			if err != nil {
				return err
			}
			if err := repo.SetTopicAndStance(ctx, r.conv, opening.Topic, opening.Stance); err != nil {
				return err
			}
			botText = opening.Response
			evt.Created = true
			log.Infow("新会话已确定辩题", "conversationId", r.conv.ID, "topic", opening.Topic, "stance", opening.Stance)
		case existingConversation:
			botText, err = s.debater.ContinueDebate(ctx, r.conv.Topic, r.conv.Stance, r.history, text)
			if err != nil {
				return err
			}
		default:
			return fmt.Errorf("unexpected conversation resolution %T", res)
		}

		conv := res.conversation()
		userMsg, err := repo.CreateMessage(ctx, conv, model.RoleUser, text)
		if err != nil {
			return err
		}
		botMsg, err := repo.CreateMessage(ctx, conv, model.RoleBot, botText)
		if err != nil {
			return err
		}

		resp, err = s.assembler.Build(ctx, repo, conv)
		if err != nil {
			return err
		}

		evt.ConversationID = conv.ID
		evt.Topic = conv.Topic
		evt.Stance = string(conv.Stance)
		evt.UserMessageID = userMsg.ID
		evt.BotMessageID = botMsg.ID
		evt.RecordedAt = botMsg.CreatedAt
		return nil
	})
	if err != nil {
		log.Warnw("消息处理失败，事务已回滚", "conversationId", conversationID, "error", err)
		return nil, err
	}

	s.publish(evt)
	return resp, nil
}

// resolve 在事务内新建会话，或对既有会话加行锁并读取最近的历史窗口。
func (s *debateService) resolve(ctx context.Context, repo repository.ConversationRepository, conversationID string) (resolution, error) {
	if conversationID == "" {
		conv, err := repo.CreateConversation(ctx)
		if err != nil {
			return nil, err
		}
		return createdConversation{conv: conv}, nil
	}

	conv, err := repo.GetConversationForUpdate(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	history, err := repo.LastMessages(ctx, conv, s.cfg.HistoryWindow)
	if err != nil {
		return nil, err
	}
	return existingConversation{conv: conv, history: history}, nil
}

// validate 去掉首尾空白后检查消息长度，并校验会话 ID 的格式。
func (s *debateService) validate(req SendMessageRequest) (string, string, error) {
	text := strings.TrimSpace(req.Message)
	if text == "" {
		return "", "", fmt.Errorf("%w: message may not be blank", ErrValidation)
	}
	if n := utf8.RuneCountInString(text); n > s.cfg.MaxMessageLength {
		return "", "", fmt.Errorf("%w: message must be at most %d characters, got %d", ErrValidation, s.cfg.MaxMessageLength, n)
	}

	if req.ConversationID == nil {
		return text, "", nil
	}
	id, err := uuid.Parse(strings.TrimSpace(*req.ConversationID))
	if err != nil {
		return "", "", fmt.Errorf("%w: conversation_id must be a valid UUID", ErrValidation)
	}
	return text, id.String(), nil
}

// publish 尽力发送事件：事务已经提交，发送失败只记录日志。
func (s *debateService) publish(evt events.ExchangeRecorded) {
	// 使用独立的 context，请求被取消时事件仍然可以发出
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.publisher.PublishExchange(ctx, evt); err != nil {
		log.Errorw("发布会话事件失败", "conversationId", evt.ConversationID, "error", err)
	}
}
