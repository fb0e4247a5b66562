package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/aescanero/jobdag/pkg/domain"
	"github.com/aescanero/jobdag/pkg/ports"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const streamPrefix = "jobdag:events:"

// StreamsEventBus implements EventBus using Redis Streams
type StreamsEventBus struct {
	client        *redis.Client
	logger        *zap.Logger
	consumerGroup string
	consumerName  string
	maxLen        int64
	block         time.Duration

	mu      sync.Mutex
	readers map[string][]context.CancelFunc
	wg      sync.WaitGroup
}

// NewStreamsEventBus creates a new Redis Streams event bus. Streams are capped
// at roughly maxLen entries; zero leaves them unbounded.
func NewStreamsEventBus(client *redis.Client, consumerGroup, consumerName string, maxLen int64, logger *zap.Logger) *StreamsEventBus {
	return &StreamsEventBus{
		client:        client,
		logger:        logger,
		consumerGroup: consumerGroup,
		consumerName:  consumerName,
		maxLen:        maxLen,
		block:         time.Second,
		readers:       make(map[string][]context.CancelFunc),
	}
}

// Publish publishes an event to the appropriate stream topic
func (e *StreamsEventBus) Publish(ctx context.Context, topic string, event domain.Event) error {
	streamKey := getStreamKey(topic)

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	args := &redis.XAddArgs{
		Stream: streamKey,
		Values: map[string]interface{}{
			"data": string(data),
		},
	}
	if e.maxLen > 0 {
		args.MaxLen = e.maxLen
		args.Approx = true
	}

	if _, err := e.client.XAdd(ctx, args).Result(); err != nil {
		return fmt.Errorf("failed to add to stream: %w", err)
	}

	e.logger.Debug("event published",
		zap.String("event_id", event.ID),
		zap.String("type", string(event.Type)),
		zap.String("topic", topic),
		zap.String("stream", streamKey))

	return nil
}

// Subscribe starts a consumer on topic that runs until ctx is done or the topic is unsubscribed
func (e *StreamsEventBus) Subscribe(ctx context.Context, topic string, handler ports.EventHandler) error {
	streamKey := getStreamKey(topic)

	// "$" so a fresh group only sees events published after it was created
	err := e.client.XGroupCreateMkStream(ctx, streamKey, e.consumerGroup, "$").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create consumer group: %w", err)
	}

	readCtx, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	e.readers[topic] = append(e.readers[topic], cancel)
	e.mu.Unlock()

	e.logger.Info("subscribed to event stream",
		zap.String("stream", streamKey),
		zap.String("topic", topic),
		zap.String("consumer_group", e.consumerGroup),
		zap.String("consumer", e.consumerName))

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.readStream(readCtx, streamKey, handler)
	}()

	return nil
}

// readStream reads events from a stream
func (e *StreamsEventBus) readStream(ctx context.Context, streamKey string, handler ports.EventHandler) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		streams, err := e.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    e.consumerGroup,
			Consumer: e.consumerName,
			Streams:  []string{streamKey, ">"},
			Count:    10,
			Block:    e.block,
		}).Result()

		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			e.logger.Error("failed to read from stream",
				zap.String("stream", streamKey),
				zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		for _, stream := range streams {
			for _, message := range stream.Messages {
				e.processMessage(ctx, streamKey, message, handler)
			}
		}
	}
}

// processMessage processes a single message from the stream
func (e *StreamsEventBus) processMessage(ctx context.Context, streamKey string, message redis.XMessage, handler ports.EventHandler) {
	data, ok := message.Values["data"].(string)
	if !ok {
		e.logger.Error("invalid message format",
			zap.String("stream", streamKey),
			zap.String("message_id", message.ID))
		e.ack(ctx, streamKey, message.ID)
		return
	}

	var event domain.Event
	if err := json.Unmarshal([]byte(data), &event); err != nil {
		e.logger.Error("failed to unmarshal event",
			zap.String("stream", streamKey),
			zap.String("message_id", message.ID),
			zap.Error(err))
		e.ack(ctx, streamKey, message.ID)
		return
	}

	if err := handler(ctx, event); err != nil {
		// left pending for inspection with XPENDING
		e.logger.Error("handler error",
			zap.String("stream", streamKey),
			zap.String("message_id", message.ID),
			zap.Error(err))
		return
	}

	e.ack(ctx, streamKey, message.ID)
}

func (e *StreamsEventBus) ack(ctx context.Context, streamKey, messageID string) {
	if err := e.client.XAck(ctx, streamKey, e.consumerGroup, messageID).Err(); err != nil {
		e.logger.Error("failed to acknowledge message",
			zap.String("stream", streamKey),
			zap.String("message_id", messageID),
			zap.Error(err))
	}
}

// Unsubscribe stops every consumer this bus started on topic
func (e *StreamsEventBus) Unsubscribe(ctx context.Context, topic string) error {
	e.mu.Lock()
	cancels := e.readers[topic]
	delete(e.readers, topic)
	e.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	return nil
}

// Close stops all consumers and waits for them to exit.
// The Redis client is owned and closed by the caller.
func (e *StreamsEventBus) Close() error {
	e.mu.Lock()
	for topic, cancels := range e.readers {
		for _, cancel := range cancels {
			cancel()
		}
		delete(e.readers, topic)
	}
	e.mu.Unlock()

	e.wg.Wait()
	return nil
}

// getStreamKey returns the Redis stream key for a topic
func getStreamKey(topic string) string {
	return streamPrefix + topic
}
