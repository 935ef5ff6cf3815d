package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/castcle/ledger-engine/ledger"
)

// KafkaConfig groups the Kafka settings for the verification queue.
type KafkaConfig struct {
	Brokers      []string
	Topic        string
	GroupID      string
	ResultsTopic string
	MaxAttempts  int
}

func (c KafkaConfig) validate() error {
	if len(c.Brokers) == 0 {
		return errors.New("no kafka brokers configured")
	}
	if strings.TrimSpace(c.Topic) == "" {
		return errors.New("kafka topic must not be empty")
	}
	if strings.TrimSpace(c.GroupID) == "" {
		return errors.New("kafka group id must not be empty")
	}
	return nil
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// =============================================================================
// KAFKA QUEUE
// =============================================================================

// Kafka publishes jobs keyed by ledger.LockKey, so every job spending from
// one wallet bucket (or one campaign) lands on the same partition and is
// handled by one reader at a time. Transactions with no lock key fall back
// to their id. Each Consume call joins the consumer group as its own
// reader; offsets are committed only after the handler succeeds or the job
// is dropped.
type Kafka struct {
	cfg       KafkaConfig
	writer    messageWriter
	newReader func() messageReader
	backoff   Backoff
	log       *slog.Logger
	Recorder  RetryRecorder
}

func NewKafka(cfg KafkaConfig, log *slog.Logger) (*Kafka, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: false,
	}
	newReader := func() messageReader {
		return kafka.NewReader(kafka.ReaderConfig{
			Brokers:     cfg.Brokers,
			GroupID:     cfg.GroupID,
			GroupTopics: []string{cfg.Topic},
			StartOffset: kafka.FirstOffset,
			MinBytes:    1,
			MaxBytes:    10e6,
		})
	}
	return newKafkaWithIO(cfg, log, writer, newReader)
}

// newKafkaWithIO wires the provided reader and writer. It is used in tests.
func newKafkaWithIO(cfg KafkaConfig, log *slog.Logger, writer messageWriter, newReader func() messageReader) (*Kafka, error) {
	if log == nil {
		return nil, errors.New("kafka queue requires a logger")
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	return &Kafka{
		cfg:       cfg,
		writer:    writer,
		newReader: newReader,
		backoff:   DefaultBackoff(),
		log:       log.With(slog.String("component", "kafka_queue"), slog.String("topic", cfg.Topic)),
	}, nil
}

func (k *Kafka) Enqueue(ctx context.Context, job Job) error {
	if job.Attempt == 0 {
		job.Attempt = 1
	}
	value, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job %s: %w", job.ID, err)
	}
	if err := k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(jobKey(job)), Value: value}); err != nil {
		return fmt.Errorf("publish job %s: %w", job.ID, err)
	}
	return nil
}

// jobKey is the partition key for job.
func jobKey(job Job) string {
	if key := ledger.LockKey(job.Data); key != "" {
		return key
	}
	return job.ID
}

func (k *Kafka) Consume(ctx context.Context, h Handler) error {
	reader := k.newReader()
	defer func() {
		if err := reader.Close(); err != nil {
			k.log.Error("reader_close", slog.Any("err", err))
		}
	}()
	k.log.Info("consumer_start", slog.String("group", k.cfg.GroupID))

	backoff := time.Second
	for {
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				k.log.Info("consumer_stop", slog.String("reason", "context"))
				return nil
			}
			k.log.Error("fetch_err", slog.Any("err", err))
			if sleep(ctx, backoff) != nil {
				k.log.Info("consumer_stop", slog.String("reason", "shutdown"))
				return nil
			}
			if backoff < 10*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second

		if err := k.handleMessage(ctx, msg, h); err != nil {
			// Only ctx cancellation gets here; leave the offset uncommitted.
			k.log.Info("consumer_stop", slog.String("reason", "shutdown"))
			return nil
		}
		if err := reader.CommitMessages(ctx, msg); err != nil {
			k.log.Error("commit_err", slog.Any("err", err), slog.Int64("offset", msg.Offset))
		}
	}
}

// handleMessage retries h in-process. It returns an error only when ctx
// ends before the job is settled.
func (k *Kafka) handleMessage(ctx context.Context, msg kafka.Message, h Handler) error {
	var job Job
	if err := json.Unmarshal(msg.Value, &job); err != nil {
		k.log.Error("decode_err", slog.Any("err", err), slog.Int64("offset", msg.Offset), slog.Int("partition", msg.Partition))
		return nil
	}
	if job.Attempt == 0 {
		job.Attempt = 1
	}

	for {
		err := h(ctx, job)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if job.Attempt >= k.cfg.MaxAttempts {
			k.log.Error("job_dropped", slog.String("job", job.ID), slog.Int("attempts", job.Attempt), slog.Any("err", err))
			if k.Recorder != nil {
				k.Recorder.JobDropped()
			}
			return nil
		}
		delay := k.backoff.Delay(job.Attempt)
		k.log.Warn("job_failed", slog.String("job", job.ID), slog.Int("attempt", job.Attempt), slog.Duration("retry_in", delay), slog.Any("err", err))
		if k.Recorder != nil {
			k.Recorder.JobRetried()
		}
		if err := sleep(ctx, delay); err != nil {
			return err
		}
		job.Attempt++
	}
}

func (k *Kafka) Close() error {
	return k.writer.Close()
}

// =============================================================================
// RESULT PUBLISHER
// =============================================================================

// KafkaResultPublisher writes completion results to a topic, keyed by
// transaction id.
type KafkaResultPublisher struct {
	writer messageWriter
	log    *slog.Logger
}

func NewKafkaResultPublisher(brokers []string, topic string, log *slog.Logger) (*KafkaResultPublisher, error) {
	if len(brokers) == 0 {
		return nil, errors.New("no kafka brokers configured")
	}
	if strings.TrimSpace(topic) == "" {
		return nil, errors.New("results topic must not be empty")
	}
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
	}
	return newResultPublisherWithWriter(writer, log), nil
}

func newResultPublisherWithWriter(w messageWriter, log *slog.Logger) *KafkaResultPublisher {
	if log == nil {
		log = slog.Default()
	}
	return &KafkaResultPublisher{writer: w, log: log.With(slog.String("component", "result_publisher"))}
}

func (p *KafkaResultPublisher) Publish(ctx context.Context, r Result) error {
	value, err := json.Marshal(r)
	if err != nil {
		return err
	}
	return p.writer.WriteMessages(ctx, kafka.Message{Key: []byte(r.TransactionID), Value: value})
}

// Listener adapts Publish for Listeners.Add. Failures are logged: the
// result is already durable in the store.
func (p *KafkaResultPublisher) Listener(ctx context.Context, r Result) {
	if err := p.Publish(ctx, r); err != nil {
		p.log.Error("result_publish_err", slog.String("transaction", string(r.TransactionID)), slog.Any("err", err))
	}
}

func (p *KafkaResultPublisher) Close() error {
	return p.writer.Close()
}
