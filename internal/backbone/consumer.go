package backbone

import (
	"context"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/xuhaidong1/go-generic-tools/pluginsx/logx"
	"github.com/xuhaidong1/iothub/internal/metrics"
)

// Message 投递给Handler的一条消息
type Message struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
	Headers   map[string]string
	Timestamp time.Time
}

// Handler processes one message. A nil return commits the offset; an
// error after the bounded retry leaves the offset uncommitted, the
// message is redelivered on the next rebalance or restart.
type Handler func(ctx context.Context, msg Message) error

// Subscribe joins a consumer group on the given topics and dispatches
// messages to handler until DisconnectAll. Partitions are balanced
// across all instances sharing groupID.
func (b *Backbone) Subscribe(groupID string, topics []string, handler Handler) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	cg, err := b.newConsumerGroup(groupID, b.client)
	if err != nil {
		b.mu.Unlock()
		return err
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &groupRunner{
		groupID: groupID,
		topics:  topics,
		cg:      cg,
		cancel:  cancel,
		handler: &groupHandler{
			groupID: groupID,
			handler: handler,
			retries: b.handlerRetries,
			backoff: b.handlerBackoff,
			logger:  b.logger.With(logx.Field{Key: "group", Value: groupID}),
		},
		logger: b.logger.With(logx.Field{Key: "group", Value: groupID}),
	}
	b.groups = append(b.groups, r)
	b.wg.Add(1)
	b.mu.Unlock()

	go r.run(ctx, &b.wg)
	return nil
}

type groupRunner struct {
	groupID string
	topics  []string
	cg      sarama.ConsumerGroup
	cancel  context.CancelFunc
	handler *groupHandler
	logger  logx.Logger
}

func (r *groupRunner) run(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()
	for {
		// Consume在每次rebalance后返回，循环重新加入
		if err := r.cg.Consume(ctx, r.topics, r.handler); err != nil {
			r.logger.Error("消费循环退出", logx.Error(err))
		}
		if ctx.Err() != nil {
			return
		}
	}
}

type groupHandler struct {
	groupID string
	handler Handler
	retries int
	backoff time.Duration
	logger  logx.Logger
}

func (h *groupHandler) Setup(_ sarama.ConsumerGroupSession) error   { return nil }
func (h *groupHandler) Cleanup(_ sarama.ConsumerGroupSession) error { return nil }

func (h *groupHandler) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for msg := range claim.Messages() {
		if err := h.invoke(sess.Context(), fromConsumerMessage(msg)); err != nil {
			metrics.ConsumeErrorCounter.WithLabelValues(h.groupID, msg.Topic).Inc()
			// 不MarkMessage，位点停在这条，重启/再均衡后重投
			h.logger.Error("消息处理失败，跳过且不提交位点",
				logx.String("topic", msg.Topic),
				logx.Int64("partition", int64(msg.Partition)),
				logx.Int64("offset", msg.Offset),
				logx.Error(err))
			continue
		}
		sess.MarkMessage(msg, "")
	}
	return nil
}

// invoke 带退避的原地重试，总尝试次数 = 1 + retries
func (h *groupHandler) invoke(ctx context.Context, m Message) error {
	backoff := h.backoff
	var err error
	for attempt := 0; attempt <= h.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}
		if err = h.handler(ctx, m); err == nil {
			return nil
		}
	}
	return err
}

func fromConsumerMessage(msg *sarama.ConsumerMessage) Message {
	m := Message{
		Topic:     msg.Topic,
		Partition: msg.Partition,
		Offset:    msg.Offset,
		Key:       msg.Key,
		Value:     msg.Value,
		Timestamp: msg.Timestamp,
	}
	if len(msg.Headers) > 0 {
		m.Headers = make(map[string]string, len(msg.Headers))
		for _, h := range msg.Headers {
			m.Headers[string(h.Key)] = string(h.Value)
		}
	}
	return m
}
