// v0
// internal/journal/kafka.go
package journal

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/hzj1203/BYD/internal/circuitbreaker"
)

type KafkaConfig struct {
	Brokers     []string
	RecordTopic string
	StateTopic  string
}

type writeCloser interface {
	Close() error
}

// KafkaSink publishes actuation records and transitions to their topics,
// keyed by VIN.
type KafkaSink struct {
	cfg    KafkaConfig
	writer circuitbreaker.MessageWriter
	closer writeCloser
}

func NewKafkaSink(cfg KafkaConfig, brk *circuitbreaker.Breaker, policy circuitbreaker.KafkaPolicy) (*KafkaSink, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("at least one broker is required")
	}
	if strings.TrimSpace(cfg.RecordTopic) == "" || strings.TrimSpace(cfg.StateTopic) == "" {
		return nil, fmt.Errorf("record and state topics must not be empty")
	}
	base := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: false,
		Balancer:               &kafka.Hash{},
		BatchTimeout:           50 * time.Millisecond,
	}
	return newKafkaSink(cfg, circuitbreaker.NewKafkaWriter(base, brk, policy), base), nil
}

func newKafkaSink(cfg KafkaConfig, w circuitbreaker.MessageWriter, c writeCloser) *KafkaSink {
	return &KafkaSink{cfg: cfg, writer: w, closer: c}
}

func (s *KafkaSink) Write(ctx context.Context, entries []Entry) error {
	msgs := make([]kafka.Message, 0, len(entries))
	for _, e := range entries {
		value, err := json.Marshal(e)
		if err != nil {
			return err
		}
		msgs = append(msgs, kafka.Message{
			Topic: s.topicFor(e),
			Key:   []byte(e.Key()),
			Value: value,
			Time:  e.At,
		})
	}
	return s.writer.WriteMessages(ctx, msgs...)
}

func (s *KafkaSink) topicFor(e Entry) string {
	if e.Type == TypeTransition {
		return s.cfg.StateTopic
	}
	return s.cfg.RecordTopic
}

func (s *KafkaSink) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer.Close()
}

// EnsureTopics creates the journal topics through the cluster controller.
// Topics that already exist are left alone.
func EnsureTopics(ctx context.Context, cfg KafkaConfig, replication int, log *slog.Logger) error {
	if len(cfg.Brokers) == 0 {
		return fmt.Errorf("at least one broker is required")
	}
	broker := cfg.Brokers[0]
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	conn, err := kafka.DialContext(dialCtx, "tcp", broker)
	if err != nil {
		return fmt.Errorf("dial broker %s: %w", broker, err)
	}
	defer conn.Close()
	controller, err := conn.Controller()
	if err != nil {
		return fmt.Errorf("fetch controller metadata: %w", err)
	}
	ctrlAddr := fmt.Sprintf("%s:%d", controller.Host, controller.Port)
	admin, err := kafka.DialContext(dialCtx, "tcp", ctrlAddr)
	if err != nil {
		return fmt.Errorf("dial controller %s: %w", ctrlAddr, err)
	}
	defer admin.Close()
	if err := admin.SetDeadline(time.Now().Add(10 * time.Second)); err != nil {
		log.Warn("controller_deadline", slog.Any("err", err))
	}
	topics := []kafka.TopicConfig{
		{Topic: cfg.RecordTopic, NumPartitions: 1, ReplicationFactor: replication},
		{Topic: cfg.StateTopic, NumPartitions: 1, ReplicationFactor: replication},
	}
	if err := admin.CreateTopics(topics...); err != nil {
		if !isAlreadyExists(err) {
			return fmt.Errorf("create topics: %w", err)
		}
		log.Info("topics_exist", slog.Any("err", err))
		return nil
	}
	log.Info("topics_created", slog.String("records", cfg.RecordTopic), slog.String("state", cfg.StateTopic), slog.Int("replication", replication))
	return nil
}

func isAlreadyExists(err error) bool {
	return err != nil && strings.Contains(err.Error(), "already exists")
}
