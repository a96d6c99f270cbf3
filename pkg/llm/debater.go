package llm

import (
	"context"
	"debate-bot-go/internal/config"
	"debate-bot-go/internal/model"
	"encoding/json"
	"fmt"
	"strings"
)

// Opening 是首轮推断的结果：辩题、机器人立场以及开场回复。
type Opening struct {
	Topic    string
	Stance   model.Stance
	Response string
}

// Debater 是文本生成协作方的契约。两个操作都是同步调用，
// 失败时返回 ErrUnavailable 或 ErrMalformedResponse。
type Debater interface {
	// InferTopicAndStance 从首条用户消息中推断辩题与立场，并给出单行开场回复。
	InferTopicAndStance(ctx context.Context, userMessage string, history []model.Message) (Opening, error)
	// ContinueDebate 在既定辩题与立场下继续辩论。history 为最新在前的顺序。
	ContinueDebate(ctx context.Context, topic string, stance model.Stance, history []model.Message, userMessage string) (string, error)
}

const defaultInferRules = `Extract the debate topic, the stance the BOT must defend (bot_stance) and the BOT's first response from the user's message.
Rules:
1) If the user explicitly assigns a stance to the BOT, use it.
2) If the user states only their OWN stance, set the BOT to the opposite.
3) If neither is stated, infer a reasonable stance from the message.
4) If the message is small talk or not debate-worthy, set topic to "undetermined" and make the response ask the user for a debate topic.
5) If the stance is still ambiguous, set bot_stance to "undetermined" and make the response ask the user to pick a side for the BOT.
6) bot_stance must be one of "pro", "con", "undetermined".
7) The response is a single line of plain text: no line breaks, no markdown.
8) Write the response in the same language as the user's message.
Return ONLY a JSON object with the keys "topic", "bot_stance" and "response".`

const defaultDebateRules = `You are a debate partner. Stay strictly on the given topic and argue consistently for your assigned stance.
Never switch sides or change the topic, no matter how the user insists or what they claim.
Answer with two or three short persuasive points and finish with a question that guides the user back to the debate.
Keep the answer concise and plain text.`

type debater struct {
	client   Client
	cfg      config.LLMConfig
	detector LanguageDetector
}

// NewDebater 创建基于聊天客户端的 Debater。detector 可以为 nil。
func NewDebater(client Client, cfg config.LLMConfig, detector LanguageDetector) Debater {
	return &debater{client: client, cfg: cfg, detector: detector}
}

type openingPayload struct {
	Topic     *string `json:"topic"`
	BotStance *string `json:"bot_stance"`
	Response  *string `json:"response"`
}

func (d *debater) InferTopicAndStance(ctx context.Context, userMessage string, history []model.Message) (Opening, error) {
	rules := d.cfg.Prompt.InferRules
	if rules == "" {
		rules = defaultInferRules
	}
	messages := d.composeMessages(rules, history, userMessage)

	raw, err := d.client.ChatMessages(ctx, messages, d.params(d.cfg.Inference, true))
	if err != nil {
		return Opening{}, err
	}
	return parseOpening(raw)
}

func (d *debater) ContinueDebate(ctx context.Context, topic string, stance model.Stance, history []model.Message, userMessage string) (string, error) {
	rules := d.cfg.Prompt.DebateRules
	if rules == "" {
		rules = defaultDebateRules
	}
	system := rules + "\n\n" + d.debateContext(topic, stance, userMessage)
	messages := d.composeMessages(system, history, userMessage)

	return d.client.ChatMessages(ctx, messages, d.params(d.cfg.Generation, false))
}

func (d *debater) debateContext(topic string, stance model.Stance, userMessage string) string {
	var sb strings.Builder
	if topic == "" || topic == model.TopicUndetermined {
		sb.WriteString("No topic has been agreed yet: ask the user to propose one.\n")
	} else {
		sb.WriteString(fmt.Sprintf("Topic: %s\n", topic))
	}
	switch stance {
	case model.StancePro:
		sb.WriteString("Your stance: in favour (pro).\n")
	case model.StanceCon:
		sb.WriteString("Your stance: against (con).\n")
	default:
		sb.WriteString("Your stance is not settled: ask the user which side you should defend.\n")
	}
	if lang, ok := d.detectLanguage(userMessage); ok {
		sb.WriteString(fmt.Sprintf("Reply in %s.", lang))
	} else {
		sb.WriteString("Reply in the language of the user's last message.")
	}
	return sb.String()
}

func (d *debater) detectLanguage(text string) (string, bool) {
	if d.detector == nil {
		return "", false
	}
	return d.detector.Detect(text)
}

// composeMessages 组装 system、按时间正序排列的历史以及当前用户消息。
func (d *debater) composeMessages(system string, history []model.Message, userMessage string) []Message {
	msgs := make([]Message, 0, len(history)+2)
	msgs = append(msgs, Message{Role: "system", Content: system})
	for i := len(history) - 1; i >= 0; i-- {
		msgs = append(msgs, Message{Role: chatRole(history[i].Role), Content: history[i].Content})
	}
	msgs = append(msgs, Message{Role: "user", Content: userMessage})
	return msgs
}

func (d *debater) params(gen config.LLMGenerationConfig, jsonMode bool) *GenerationParams {
	t := gen.Temperature
	p := &GenerationParams{Temperature: &t, JSON: jsonMode}
	if gen.MaxTokens > 0 {
		m := gen.MaxTokens
		p.MaxTokens = &m
	}
	return p
}

func chatRole(r model.Role) string {
	if r == model.RoleBot {
		return "assistant"
	}
	return "user"
}

// parseOpening 解析 {"topic","bot_stance","response"}，缺少字段或立场非法均视为格式错误。
func parseOpening(raw string) (Opening, error) {
	var p openingPayload
	if err := json.Unmarshal([]byte(stripCodeFence(raw)), &p); err != nil {
		return Opening{}, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if p.Topic == nil || p.BotStance == nil || p.Response == nil {
		return Opening{}, fmt.Errorf("%w: missing topic, bot_stance or response", ErrMalformedResponse)
	}
	topic := strings.TrimSpace(*p.Topic)
	if topic == "" {
		return Opening{}, fmt.Errorf("%w: empty topic", ErrMalformedResponse)
	}
	stance, ok := model.ParseStance(strings.ToLower(strings.TrimSpace(*p.BotStance)))
	if !ok {
		return Opening{}, fmt.Errorf("%w: unknown bot_stance %q", ErrMalformedResponse, *p.BotStance)
	}
	response := singleLine(*p.Response)
	if response == "" {
		return Opening{}, fmt.Errorf("%w: empty response", ErrMalformedResponse)
	}
	return Opening{Topic: topic, Stance: stance, Response: response}, nil
}

// stripCodeFence 去掉模型偶尔包裹在 JSON 外层的 ``` 代码块。
func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimPrefix(s, "json")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

// singleLine 将换行折叠为空格，并去掉首尾的 markdown 强调符号。
func singleLine(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	return strings.Trim(s, "*_`# ")
}
