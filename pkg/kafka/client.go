// Package kafka 提供了与 Kafka 消息队列交互的功能。
package kafka

import (
	"context"
	"debate-bot-go/internal/config"
	"debate-bot-go/pkg/events"
	"debate-bot-go/pkg/log"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
)

// messageWriter 是 *kafka.Writer 中我们用到的部分，便于测试替换。
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer 将会话事件写入 Kafka。消息以会话 ID 为 key，保证同一会话内有序。
type Producer struct {
	writer messageWriter
	topic  string
}

// NewProducer 初始化 Kafka 生产者。
func NewProducer(cfg config.KafkaConfig) *Producer {
	brokers := strings.Split(cfg.Brokers, ",")
	for i := range brokers {
		brokers[i] = strings.TrimSpace(brokers[i])
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		WriteTimeout: 5 * time.Second,
		// 同步写入，默认 1s 的批次等待会直接加到请求延迟上
		BatchTimeout: 10 * time.Millisecond,
	}
	log.Infof("Kafka 生产者初始化成功, topic=%s", cfg.Topic)
	return &Producer{writer: w, topic: cfg.Topic}
}

// PublishExchange 发送一条 ExchangeRecorded 事件。
func (p *Producer) PublishExchange(ctx context.Context, evt events.ExchangeRecorded) error {
	value, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("failed to marshal exchange event: %w", err)
	}
	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(evt.ConversationID),
		Value: value,
		Time:  evt.RecordedAt,
	})
	if err != nil {
		return fmt.Errorf("failed to write exchange event to %s: %w", p.topic, err)
	}
	return nil
}

// Close 刷新并关闭底层 writer。
func (p *Producer) Close() error {
	return p.writer.Close()
}
