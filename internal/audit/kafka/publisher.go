// Package kafka streams audit records to a Kafka topic.
package kafka

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"github.com/ppiankov/dataguard/internal/audit"
	"github.com/ppiankov/dataguard/internal/model"
)

type syncProducer interface {
	SendMessage(*sarama.ProducerMessage) (partition int32, offset int64, err error)
	Close() error
}

// Message is the JSON value published for every record.
type Message struct {
	Kind       string             `json:"kind"`
	Decision   *model.Decision    `json:"decision,omitempty"`
	Proposal   *model.Proposal    `json:"proposal,omitempty"`
	Context    *model.CallContext `json:"context,omitempty"`
	Outcome    *model.Outcome     `json:"outcome,omitempty"`
	PolicyHash string             `json:"policy_hash,omitempty"`
}

// Options captures publisher configuration.
type Options struct {
	Producer     syncProducer
	Topic        string
	RetryMax     int
	RetryBackoff time.Duration
	Logger       *zap.Logger
}

// Publisher is an audit.Sink that publishes to Kafka.
type Publisher struct {
	producer     syncProducer
	topic        string
	retryMax     int
	retryBackoff time.Duration
	logger       *zap.Logger
}

// NewPublisher builds a publisher around an existing producer.
func NewPublisher(opts Options) (*Publisher, error) {
	if opts.Producer == nil {
		return nil, fmt.Errorf("audit publisher: producer required")
	}
	if opts.Topic == "" {
		return nil, fmt.Errorf("audit publisher: topic required")
	}
	retryMax := opts.RetryMax
	if retryMax <= 0 {
		retryMax = 3
	}
	retryBackoff := opts.RetryBackoff
	if retryBackoff <= 0 {
		retryBackoff = 200 * time.Millisecond
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{
		producer:     opts.Producer,
		topic:        opts.Topic,
		retryMax:     retryMax,
		retryBackoff: retryBackoff,
		logger:       logger,
	}, nil
}

// SASL mechanisms accepted in Config.
const (
	MechanismPlain       = "PLAIN"
	MechanismSCRAMSHA256 = "SCRAM-SHA-256"
	MechanismSCRAMSHA512 = "SCRAM-SHA-512"
)

// Config describes the brokers and credentials for Dial. No brokers
// disables the publisher.
type Config struct {
	Brokers  []string `yaml:"brokers"`
	Topic    string   `yaml:"topic"`
	ClientID string   `yaml:"client_id"`
	TLS      bool     `yaml:"tls"`
	SASL     SASL     `yaml:"sasl"`
}

// SASL holds broker credentials. Empty Mechanism disables SASL.
type SASL struct {
	Mechanism string `yaml:"mechanism"`
	Username  string `yaml:"username"`
	Password  string `yaml:"password"`
}

// Validate checks the mechanism and that credentials come with it.
func (c Config) Validate() error {
	if len(c.Brokers) == 0 {
		return nil
	}
	if c.Topic == "" {
		return fmt.Errorf("audit.kafka.topic is required when brokers are set")
	}
	switch strings.ToUpper(c.SASL.Mechanism) {
	case "":
		return nil
	case MechanismPlain, MechanismSCRAMSHA256, MechanismSCRAMSHA512:
	default:
		return fmt.Errorf("unknown audit.kafka.sasl.mechanism %q (valid: PLAIN, SCRAM-SHA-256, SCRAM-SHA-512)", c.SASL.Mechanism)
	}
	if c.SASL.Username == "" || c.SASL.Password == "" {
		return fmt.Errorf("audit.kafka.sasl requires username and password")
	}
	return nil
}

func saramaConfig(c Config) (*sarama.Config, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	cfg := sarama.NewConfig()
	cfg.Version = sarama.V3_6_0_0
	if c.ClientID != "" {
		cfg.ClientID = c.ClientID
	}
	cfg.Producer.Return.Successes = true
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Idempotent = true
	cfg.Net.MaxOpenRequests = 1
	cfg.Producer.Partitioner = sarama.NewHashPartitioner

	if c.TLS {
		cfg.Net.TLS.Enable = true
		cfg.Net.TLS.Config = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	if mech := strings.ToUpper(c.SASL.Mechanism); mech != "" {
		cfg.Net.SASL.Enable = true
		cfg.Net.SASL.User = c.SASL.Username
		cfg.Net.SASL.Password = c.SASL.Password
		cfg.Net.SASL.Mechanism = sarama.SASLMechanism(mech)
		if mech != MechanismPlain {
			cfg.Net.SASL.SCRAMClientGeneratorFunc = scramGenerator(cfg.Net.SASL.Mechanism)
		}
	}
	return cfg, nil
}

// Dial connects a sync producer to the brokers and wraps it in a Publisher.
func Dial(c Config, logger *zap.Logger) (*Publisher, error) {
	if len(c.Brokers) == 0 {
		return nil, fmt.Errorf("audit publisher: brokers required")
	}
	cfg, err := saramaConfig(c)
	if err != nil {
		return nil, fmt.Errorf("audit publisher: %w", err)
	}
	producer, err := sarama.NewSyncProducer(c.Brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("audit publisher: %w", err)
	}
	p, err := NewPublisher(Options{Producer: producer, Topic: c.Topic, Logger: logger})
	if err != nil {
		producer.Close()
		return nil, err
	}
	return p, nil
}

// RecordDecision publishes a decision or resolution keyed by decision id.
func (p *Publisher) RecordDecision(ctx context.Context, rec audit.DecisionRecord) error {
	msg := Message{
		Kind:       rec.Kind,
		Decision:   &rec.Decision,
		Proposal:   &rec.Proposal,
		Context:    &rec.Context,
		PolicyHash: rec.PolicyHash,
	}
	return p.publish(ctx, rec.Decision.DecisionID, msg)
}

// RecordOutcome publishes an outcome keyed by decision id, or by proposal
// id when the report names no decision.
func (p *Publisher) RecordOutcome(ctx context.Context, o model.Outcome) error {
	key := o.DecisionID
	if key == "" {
		key = o.ProposalID
	}
	return p.publish(ctx, key, Message{Kind: audit.KindOutcome, Outcome: &o})
}

func (p *Publisher) publish(ctx context.Context, key string, msg Message) error {
	value, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("audit publish: marshal: %w", err)
	}
	kmsg := &sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(value),
		Headers: []sarama.RecordHeader{
			{Key: []byte("kind"), Value: []byte(msg.Kind)},
		},
	}

	var lastErr error
	backoff := p.retryBackoff
	for attempt := 0; attempt < p.retryMax; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		_, _, err := p.producer.SendMessage(kmsg)
		if err == nil {
			return nil
		}
		lastErr = err
		if attempt == p.retryMax-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	p.logger.Error("audit publish failed",
		zap.String("topic", p.topic),
		zap.String("key", key),
		zap.String("kind", msg.Kind),
		zap.Error(lastErr))
	return fmt.Errorf("audit publish: %w", lastErr)
}

// Close flushes and closes the producer.
func (p *Publisher) Close() error {
	return p.producer.Close()
}
