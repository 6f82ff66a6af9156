package backbone

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/xuhaidong1/go-generic-tools/pluginsx/logx"
	"github.com/xuhaidong1/go-generic-tools/pluginsx/saramax"
	"github.com/xuhaidong1/iothub/config/topicconfig"
	"github.com/xuhaidong1/iothub/internal/metrics"
)

var (
	// ErrPublish backbone不可达或发送失败
	ErrPublish = errors.New("backbone: publish failed")
	// ErrClosed DisconnectAll之后不再接受任何操作
	ErrClosed = errors.New("backbone: closed")
)

// clusterAdmin is the slice of sarama.ClusterAdmin provisioning needs.
type clusterAdmin interface {
	ListTopics() (map[string]sarama.TopicDetail, error)
	CreateTopic(topic string, detail *sarama.TopicDetail, validateOnly bool) error
	Close() error
}

// Backbone 平台的发布/订阅骨干
// 生产者连接被所有Publish调用共享，首次使用时惰性建立；幂等生产
// （去重）依赖ioc里的sarama配置：Idempotent + MaxOpenRequests=1。
type Backbone struct {
	client      sarama.Client
	replication int16
	logger      logx.Logger

	newProducer      func(sarama.Client) (sarama.SyncProducer, error)
	newAdmin         func(sarama.Client) (clusterAdmin, error)
	newConsumerGroup func(groupID string, client sarama.Client) (sarama.ConsumerGroup, error)

	handlerRetries int
	handlerBackoff time.Duration

	mu       sync.Mutex
	producer sarama.SyncProducer
	admin    clusterAdmin
	groups   []*groupRunner
	closed   bool
	wg       sync.WaitGroup
}

type Option func(*Backbone)

func WithReplicationFactor(rf int16) Option {
	return func(b *Backbone) { b.replication = rf }
}

// WithHandlerRetry bounds the in-place retry before a failed message is
// skipped without committing its offset.
func WithHandlerRetry(retries int, backoff time.Duration) Option {
	return func(b *Backbone) {
		b.handlerRetries = retries
		b.handlerBackoff = backoff
	}
}

func WithProducerFactory(f func(sarama.Client) (sarama.SyncProducer, error)) Option {
	return func(b *Backbone) { b.newProducer = f }
}

func WithAdminFactory(f func(sarama.Client) (clusterAdmin, error)) Option {
	return func(b *Backbone) { b.newAdmin = f }
}

func WithConsumerGroupFactory(f func(groupID string, client sarama.Client) (sarama.ConsumerGroup, error)) Option {
	return func(b *Backbone) { b.newConsumerGroup = f }
}

func New(client sarama.Client, logger logx.Logger, opts ...Option) *Backbone {
	b := &Backbone{
		client:      client,
		replication: 1,
		logger:      logger.With(logx.Field{Key: "component", Value: "Backbone"}),
		newProducer: sarama.NewSyncProducerFromClient,
		newAdmin: func(c sarama.Client) (clusterAdmin, error) {
			return sarama.NewClusterAdminFromClient(c)
		},
		newConsumerGroup: sarama.NewConsumerGroupFromClient,
		handlerRetries:   2,
		handlerBackoff:   100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publish sends one message. An empty key means no partition affinity,
// per-entity ordering is then not guaranteed.
func (b *Backbone) Publish(ctx context.Context, topic, key string, value any, headers map[string]string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrPublish, err)
	}
	p, err := b.ensureProducer()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPublish, err)
	}
	if _, _, err := p.SendMessage(buildMessage(topic, key, value, headers)); err != nil {
		return fmt.Errorf("%w: topic %s: %v", ErrPublish, topic, err)
	}
	metrics.PublishedCounter.WithLabelValues(topic).Inc()
	return nil
}

// BatchEntry is one message of a batch publish.
type BatchEntry struct {
	Key   string
	Value any
}

func (b *Backbone) PublishBatch(ctx context.Context, topic string, entries []BatchEntry) error {
	if len(entries) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrPublish, err)
	}
	p, err := b.ensureProducer()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPublish, err)
	}
	msgs := make([]*sarama.ProducerMessage, 0, len(entries))
	for _, e := range entries {
		msgs = append(msgs, buildMessage(topic, e.Key, e.Value, nil))
	}
	if err := p.SendMessages(msgs); err != nil {
		return fmt.Errorf("%w: topic %s: %v", ErrPublish, topic, err)
	}
	metrics.PublishedCounter.WithLabelValues(topic).Add(float64(len(msgs)))
	return nil
}

// Provision creates only the topics absent from the cluster. Partition
// count and replication of pre-existing topics are never altered.
func (b *Backbone) Provision(ctx context.Context, defs []topicconfig.Definition) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	admin, err := b.ensureAdmin()
	if err != nil {
		return err
	}
	existing, err := admin.ListTopics()
	if err != nil {
		return err
	}
	for _, def := range defs {
		if _, ok := existing[def.Name]; ok {
			continue
		}
		detail := &sarama.TopicDetail{
			NumPartitions:     def.Partitions,
			ReplicationFactor: b.replication,
		}
		if err := admin.CreateTopic(def.Name, detail, false); err != nil {
			// 并发的provision可能抢先建好
			var terr *sarama.TopicError
			if errors.As(err, &terr) && terr.Err == sarama.ErrTopicAlreadyExists {
				continue
			}
			return fmt.Errorf("backbone: create topic %s: %w", def.Name, err)
		}
		b.logger.Info("created topic",
			logx.String("topic", def.Name),
			logx.Int64("partitions", int64(def.Partitions)))
	}
	return nil
}

// DisconnectAll cancels every consumer group, waits for in-flight handler
// invocations to finish, then releases producer and admin connections.
func (b *Backbone) DisconnectAll() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	groups := b.groups
	producer := b.producer
	admin := b.admin
	b.groups = nil
	b.producer = nil
	b.admin = nil
	b.mu.Unlock()

	for _, r := range groups {
		r.cancel()
	}
	b.wg.Wait()

	var errs []error
	for _, r := range groups {
		if err := r.cg.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if producer != nil {
		if err := producer.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if admin != nil {
		if err := admin.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	b.logger.Info("disconnected")
	return errors.Join(errs...)
}

// ensureProducer 惰性建连，锁保证并发首发不会开出重复连接
func (b *Backbone) ensureProducer() (sarama.SyncProducer, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	if b.producer != nil {
		return b.producer, nil
	}
	p, err := b.newProducer(b.client)
	if err != nil {
		return nil, err
	}
	b.producer = p
	return p, nil
}

func (b *Backbone) ensureAdmin() (clusterAdmin, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	if b.admin != nil {
		return b.admin, nil
	}
	a, err := b.newAdmin(b.client)
	if err != nil {
		return nil, err
	}
	b.admin = a
	return a, nil
}

func buildMessage(topic, key string, value any, headers map[string]string) *sarama.ProducerMessage {
	msg := &sarama.ProducerMessage{
		Topic: topic,
		Value: saramax.JSONEncoder{Data: value},
	}
	if key != "" {
		msg.Key = sarama.StringEncoder(key)
	}
	for k, v := range headers {
		msg.Headers = append(msg.Headers, sarama.RecordHeader{
			Key:   []byte(k),
			Value: []byte(v),
		})
	}
	return msg
}
