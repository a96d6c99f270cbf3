package service

import (
	"context"
	"debate-bot-go/internal/config"
	"debate-bot-go/internal/model"
	"debate-bot-go/internal/repository"
	"debate-bot-go/pkg/database"
	"debate-bot-go/pkg/events"
	"debate-bot-go/pkg/llm"
	"debate-bot-go/pkg/lock"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type continueCall struct {
	topic   string
	stance  model.Stance
	history []model.Message
	message string
}

type stubDebater struct {
	mu sync.Mutex

	opening     llm.Opening
	openingErr  error
	reply       string
	replyErr    error
	inferCalls  []string
	continueLog []continueCall
}

func (d *stubDebater) InferTopicAndStance(_ context.Context, userMessage string, _ []model.Message) (llm.Opening, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.inferCalls = append(d.inferCalls, userMessage)
	return d.opening, d.openingErr
}

func (d *stubDebater) ContinueDebate(_ context.Context, topic string, stance model.Stance, history []model.Message, userMessage string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.continueLog = append(d.continueLog, continueCall{topic: topic, stance: stance, history: history, message: userMessage})
	return d.reply, d.replyErr
}

func (d *stubDebater) calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.inferCalls) + len(d.continueLog)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.ExchangeRecorded
	err    error
}

func (p *recordingPublisher) PublishExchange(_ context.Context, evt events.ExchangeRecorded) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, evt)
	return p.err
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_foreign_keys=on", uuid.NewString())
	db, err := database.OpenSQLite(dsn)
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return db
}

func testDebateConfig() config.DebateConfig {
	return config.DebateConfig{HistoryWindow: 5, MaxMessageLength: 500, RequestTimeout: 5 * time.Second}
}

type fixture struct {
	db        *gorm.DB
	repo      repository.ConversationRepository
	debater   *stubDebater
	publisher *recordingPublisher
	svc       DebateService
}

func newFixture(t *testing.T, locker lock.Locker) *fixture {
	t.Helper()
	db := newTestDB(t)
	f := &fixture{
		db:   db,
		repo: repository.NewConversationRepository(db, 0),
		debater: &stubDebater{
			opening: llm.Opening{Topic: "AI", Stance: model.StancePro, Response: "Hello bot!"},
			reply:   "Counterpoint.",
		},
		publisher: &recordingPublisher{},
	}
	f.svc = NewDebateService(f.repo, f.debater, locker, f.publisher, testDebateConfig())
	return f
}

func (f *fixture) counts(t *testing.T) (conversations, messages int64) {
	t.Helper()
	require.NoError(t, f.db.Model(&model.Conversation{}).Count(&conversations).Error)
	require.NoError(t, f.db.Model(&model.Message{}).Count(&messages).Error)
	return conversations, messages
}

// seed 创建一个已确定辩题的会话并写入 n 条交替的消息。
func (f *fixture) seed(t *testing.T, n int) *model.Conversation {
	t.Helper()
	ctx := context.Background()
	conv, err := f.repo.CreateConversation(ctx)
	require.NoError(t, err)
	require.NoError(t, f.repo.SetTopicAndStance(ctx, conv, "Remote work", model.StanceCon))
	for i := 0; i < n; i++ {
		role := model.RoleUser
		if i%2 == 1 {
			role = model.RoleBot
		}
		_, err := f.repo.CreateMessage(ctx, conv, role, fmt.Sprintf("m%d", i))
		require.NoError(t, err)
	}
	return conv
}

func TestSendMessage_StartsConversation(t *testing.T) {
	f := newFixture(t, nil)

	resp, err := f.svc.SendMessage(context.Background(), SendMessageRequest{Message: "  hola  "})
	require.NoError(t, err)

	_, err = uuid.Parse(resp.ConversationID)
	require.NoError(t, err)
	assert.Equal(t, []MessageDTO{
		{Role: model.RoleBot, Content: "Hello bot!"},
		{Role: model.RoleUser, Content: "hola"},
	}, resp.Messages)
	assert.Equal(t, []string{"hola"}, f.debater.inferCalls)
	assert.Empty(t, f.debater.continueLog)

	var conv model.Conversation
	require.NoError(t, f.db.First(&conv, "id = ?", resp.ConversationID).Error)
	assert.Equal(t, "AI", conv.Topic)
	assert.Equal(t, model.StancePro, conv.Stance)

	require.Len(t, f.publisher.events, 1)
	evt := f.publisher.events[0]
	assert.True(t, evt.Created)
	assert.Equal(t, resp.ConversationID, evt.ConversationID)
	assert.Equal(t, "AI", evt.Topic)
	assert.Equal(t, "pro", evt.Stance)
	assert.NotEmpty(t, evt.UserMessageID)
	assert.NotEmpty(t, evt.BotMessageID)
}

func TestSendMessage_UndeterminedOpeningIsPersisted(t *testing.T) {
	f := newFixture(t, nil)
	f.debater.opening = llm.Opening{
		Topic:    model.TopicUndetermined,
		Stance:   model.StanceUndetermined,
		Response: "What would you like to debate?",
	}

	resp, err := f.svc.SendMessage(context.Background(), SendMessageRequest{Message: "hi there"})
	require.NoError(t, err)

	var conv model.Conversation
	require.NoError(t, f.db.First(&conv, "id = ?", resp.ConversationID).Error)
	assert.Equal(t, model.TopicUndetermined, conv.Topic)
	assert.Equal(t, model.StanceUndetermined, conv.Stance)
}

func TestSendMessage_ContinuesWithHistory(t *testing.T) {
	f := newFixture(t, nil)
	conv := f.seed(t, 1)

	id := conv.ID
	resp, err := f.svc.SendMessage(context.Background(), SendMessageRequest{ConversationID: &id, Message: "but why?"})
	require.NoError(t, err)

	require.Len(t, f.debater.continueLog, 1)
	call := f.debater.continueLog[0]
	assert.Equal(t, "Remote work", call.topic)
	assert.Equal(t, model.StanceCon, call.stance)
	assert.Equal(t, "but why?", call.message)
	require.Len(t, call.history, 1)
	assert.Equal(t, "m0", call.history[0].Content)
	assert.Empty(t, f.debater.inferCalls)

	assert.Equal(t, conv.ID, resp.ConversationID)
	assert.Equal(t, []MessageDTO{
		{Role: model.RoleBot, Content: "Counterpoint."},
		{Role: model.RoleUser, Content: "but why?"},
		{Role: model.RoleUser, Content: "m0"},
	}, resp.Messages)

	// 话题与立场保持不变
	var stored model.Conversation
	require.NoError(t, f.db.First(&stored, "id = ?", conv.ID).Error)
	assert.Equal(t, "Remote work", stored.Topic)
	assert.Equal(t, model.StanceCon, stored.Stance)

	require.Len(t, f.publisher.events, 1)
	assert.False(t, f.publisher.events[0].Created)
}

func TestSendMessage_HistoryAndResponseAreWindowed(t *testing.T) {
	f := newFixture(t, nil)
	conv := f.seed(t, 6)

	id := strings.ToUpper(conv.ID)
	resp, err := f.svc.SendMessage(context.Background(), SendMessageRequest{ConversationID: &id, Message: "next"})
	require.NoError(t, err)

	require.Len(t, f.debater.continueLog, 1)
	history := f.debater.continueLog[0].history
	require.Len(t, history, 5)
	assert.Equal(t, "m5", history[0].Content)
	assert.Equal(t, "m1", history[4].Content)

	assert.Equal(t, conv.ID, resp.ConversationID)
	require.Len(t, resp.Messages, 5)
	assert.Equal(t, MessageDTO{Role: model.RoleBot, Content: "Counterpoint."}, resp.Messages[0])
	assert.Equal(t, MessageDTO{Role: model.RoleUser, Content: "next"}, resp.Messages[1])
	assert.Equal(t, "m5", resp.Messages[2].Content)
	assert.Equal(t, "m3", resp.Messages[4].Content)
}

func TestSendMessage_UnknownConversation(t *testing.T) {
	f := newFixture(t, nil)
	id := "11111111-1111-1111-1111-111111111111"

	_, err := f.svc.SendMessage(context.Background(), SendMessageRequest{ConversationID: &id, Message: "hello"})
	assert.ErrorIs(t, err, repository.ErrConversationNotFound)

	conversations, messages := f.counts(t)
	assert.Zero(t, conversations)
	assert.Zero(t, messages)
	assert.Zero(t, f.debater.calls())
	assert.Empty(t, f.publisher.events)
}

func TestSendMessage_Validation(t *testing.T) {
	invalidID := "not-a-uuid"
	tests := []struct {
		name string
		req  SendMessageRequest
	}{
		{name: "empty", req: SendMessageRequest{Message: ""}},
		{name: "whitespace only", req: SendMessageRequest{Message: " \t\n "}},
		{name: "too long", req: SendMessageRequest{Message: strings.Repeat("a", 501)}},
		{name: "invalid conversation id", req: SendMessageRequest{ConversationID: &invalidID, Message: "hi"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil)

			_, err := f.svc.SendMessage(context.Background(), tt.req)
			assert.ErrorIs(t, err, ErrValidation)

			conversations, messages := f.counts(t)
			assert.Zero(t, conversations)
			assert.Zero(t, messages)
			assert.Zero(t, f.debater.calls())
		})
	}
}

func TestSendMessage_LengthCountsCharacters(t *testing.T) {
	f := newFixture(t, nil)

	resp, err := f.svc.SendMessage(context.Background(), SendMessageRequest{Message: strings.Repeat("é", 500)})
	require.NoError(t, err)
	assert.Len(t, resp.Messages, 2)
}

func TestSendMessage_CollaboratorFailureRollsBack(t *testing.T) {
	t.Run("new conversation", func(t *testing.T) {
		f := newFixture(t, nil)
		f.debater.openingErr = fmt.Errorf("%w: connection refused", llm.ErrUnavailable)

		_, err := f.svc.SendMessage(context.Background(), SendMessageRequest{Message: "hola"})
		assert.ErrorIs(t, err, llm.ErrUnavailable)

		conversations, messages := f.counts(t)
		assert.Zero(t, conversations)
		assert.Zero(t, messages)
		assert.Empty(t, f.publisher.events)
	})

	t.Run("existing conversation", func(t *testing.T) {
		f := newFixture(t, nil)
		conv := f.seed(t, 2)
		f.debater.replyErr = fmt.Errorf("%w: bad json", llm.ErrMalformedResponse)

		id := conv.ID
		_, err := f.svc.SendMessage(context.Background(), SendMessageRequest{ConversationID: &id, Message: "next"})
		assert.ErrorIs(t, err, llm.ErrMalformedResponse)

		conversations, messages := f.counts(t)
		assert.Equal(t, int64(1), conversations)
		assert.Equal(t, int64(2), messages)
		assert.Empty(t, f.publisher.events)
	})
}

func TestSendMessage_BusyConversation(t *testing.T) {
	locker := lock.NewLocalLocker(20 * time.Millisecond)
	f := newFixture(t, locker)
	conv := f.seed(t, 0)

	release, err := locker.Acquire(context.Background(), conv.ID)
	require.NoError(t, err)
	defer release()

	id := conv.ID
	_, err = f.svc.SendMessage(context.Background(), SendMessageRequest{ConversationID: &id, Message: "hi"})
	assert.ErrorIs(t, err, ErrConversationBusy)
	assert.Zero(t, f.debater.calls())
}

func TestSendMessage_ConcurrentContinuationsAreSerialized(t *testing.T) {
	f := newFixture(t, lock.NewLocalLocker(5*time.Second))
	conv := f.seed(t, 2)

	const n = 6
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := conv.ID
			_, err := f.svc.SendMessage(context.Background(), SendMessageRequest{ConversationID: &id, Message: fmt.Sprintf("u%d", i)})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}

	_, messages := f.counts(t)
	assert.Equal(t, int64(2+2*n), messages)

	// 每次交换的用户消息紧跟在机器人回复之后（最新在前）
	all, err := f.repo.LastMessages(context.Background(), conv, 100)
	require.NoError(t, err)
	for i := 0; i < 2*n; i += 2 {
		assert.Equal(t, model.RoleBot, all[i].Role)
		assert.Equal(t, model.RoleUser, all[i+1].Role)
	}
}

func TestSendMessage_PublishFailureDoesNotFailRequest(t *testing.T) {
	f := newFixture(t, nil)
	f.publisher.err = errors.New("broker down")

	resp, err := f.svc.SendMessage(context.Background(), SendMessageRequest{Message: "hola"})
	require.NoError(t, err)
	assert.Len(t, resp.Messages, 2)

	conversations, messages := f.counts(t)
	assert.Equal(t, int64(1), conversations)
	assert.Equal(t, int64(2), messages)
}

func TestResponseAssembler_Idempotent(t *testing.T) {
	f := newFixture(t, nil)
	conv := f.seed(t, 7)
	a := NewResponseAssembler(5)

	first, err := a.Build(context.Background(), f.repo, conv)
	require.NoError(t, err)
	second, err := a.Build(context.Background(), f.repo, conv)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	require.Len(t, first.Messages, 5)
	assert.Equal(t, "m6", first.Messages[0].Content)
	assert.Equal(t, model.RoleUser, first.Messages[0].Role)
}

func TestResponseAssembler_ZeroWindow(t *testing.T) {
	f := newFixture(t, nil)
	conv := f.seed(t, 3)

	resp, err := NewResponseAssembler(0).Build(context.Background(), f.repo, conv)
	require.NoError(t, err)
	assert.NotNil(t, resp.Messages)
	assert.Empty(t, resp.Messages)
}
