package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/flipfinder/arbitrage-scanner/internal/config"
	"github.com/flipfinder/arbitrage-scanner/internal/database"
	"github.com/flipfinder/arbitrage-scanner/internal/ebay"
	"github.com/flipfinder/arbitrage-scanner/internal/queue"
	"github.com/flipfinder/arbitrage-scanner/internal/ratelimit"
	"github.com/flipfinder/arbitrage-scanner/internal/scanservice/events"
	"github.com/flipfinder/arbitrage-scanner/pkg/logger"
)

const (
	consumerGroup = "listing-consumer-group"
	consumerName  = "consumer-1"
	maxRetries    = 3
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger := logger.New(cfg.Logging.Level, cfg.Logging.Format)

	seller := ebay.NewSellingClient(cfg.Selling, logger)
	if !seller.Configured() {
		logger.Error("eBay selling credentials missing; set EBAY_CLIENT_ID, EBAY_CLIENT_SECRET, EBAY_REFRESH_TOKEN")
		os.Exit(1)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	logger.Info("Connected to Redis", "addr", cfg.Redis.Addr)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("Shutting down...")
		cancel()
	}()

	consumer := &Consumer{
		redis:   rdb,
		stream:  cfg.Redis.Stream,
		queue:   queue.NewInMemoryQueue(),
		seller:  seller,
		limiter: ratelimit.NewTokenBucketRateLimiter(5, 12*time.Second),
		publish: cfg.Selling.AutoPublish,
		logger:  logger.With("component", "listing_consumer"),
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		consumer.drainQueue(ctx)
	}()

	err = consumer.Run(ctx)
	consumer.queue.Close()
	wg.Wait()

	if err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("Consumer error: %v", err)
	}
}

// Consumer reads opportunity events off the Redis stream and turns them
// into draft listings. Tasks flow through a profit-ordered queue so the
// best opportunities get listed first when events arrive in bursts.
type Consumer struct {
	redis   *redis.Client
	stream  string
	queue   *queue.InMemoryQueue
	seller  *ebay.SellingClient
	limiter ratelimit.RateLimiter
	publish bool
	logger  *slog.Logger
}

func (c *Consumer) Run(ctx context.Context) error {
	// Create consumer group (ignore error if already exists)
	c.redis.XGroupCreate(ctx, c.stream, consumerGroup, "0").Err()

	c.logger.Info("Starting consumer", "stream", c.stream, "group", consumerGroup)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			streams, err := c.redis.XReadGroup(ctx, &redis.XReadGroupArgs{
				Group:    consumerGroup,
				Consumer: consumerName,
				Streams:  []string{c.stream, ">"},
				Count:    10,
				Block:    5 * time.Second,
			}).Result()

			if err != nil {
				if errors.Is(err, redis.Nil) {
					continue // No new messages
				}
				if ctx.Err() != nil {
					return ctx.Err()
				}
				c.logger.Error("Failed to read from stream", "error", err)
				time.Sleep(1 * time.Second)
				continue
			}

			for _, stream := range streams {
				for _, message := range stream.Messages {
					if err := c.enqueueMessage(message); err != nil {
						c.logger.Error("Failed to process message", "id", message.ID, "error", err)
						continue
					}

					if err := c.redis.XAck(ctx, c.stream, consumerGroup, message.ID).Err(); err != nil {
						c.logger.Error("Failed to acknowledge message", "id", message.ID, "error", err)
					}
				}
			}
		}
	}
}

// enqueueMessage unwraps the relay envelope and queues a publish task.
func (c *Consumer) enqueueMessage(msg redis.XMessage) error {
	eventType, ok := msg.Values["event_type"].(string)
	if !ok || eventType != string(events.EventTypeOpportunityDetected) {
		return nil // Skip non-matching events
	}

	dataStr, ok := msg.Values["data"].(string)
	if !ok {
		return fmt.Errorf("missing data in event")
	}

	var envelope database.StreamEnvelope
	if err := json.Unmarshal([]byte(dataStr), &envelope); err != nil {
		return fmt.Errorf("failed to parse event data: %w", err)
	}

	var payload events.OpportunityDetectedPayload
	if err := json.Unmarshal(envelope.Payload, &payload); err != nil {
		return fmt.Errorf("failed to parse event payload: %w", err)
	}
	if payload.Row.ASIN == "" && payload.Row.URL == "" {
		return fmt.Errorf("event %s has no opportunity row", payload.EventID)
	}

	task := queue.NewTask(msg.ID, payload.ScanID, payload.Row)
	if err := c.queue.Push(task); err != nil {
		return fmt.Errorf("failed to enqueue task: %w", err)
	}

	c.logger.Info("Queued listing task",
		"message_id", msg.ID,
		"asin", payload.Row.ASIN,
		"profit", payload.Row.Profit,
		"queue_depth", c.queue.Size(),
	)

	return nil
}

// drainQueue pops tasks by priority and creates drafts, paced by the token
// bucket so a burst of opportunities never hammers the Sell API.
func (c *Consumer) drainQueue(ctx context.Context) {
	for {
		task, err := c.queue.Pop(ctx)
		if err != nil {
			if errors.Is(err, queue.ErrQueueClosed) || errors.Is(err, context.Canceled) {
				return
			}
			c.logger.Error("Queue pop failed", "error", err)
			continue
		}

		if err := c.limiter.Wait(ctx); err != nil {
			return
		}

		draft, err := c.seller.CreateDraft(ctx, &task.Row, c.publish)
		if err != nil {
			c.retryTask(task, err)
			continue
		}

		c.logger.Info("Listing created",
			"asin", task.Row.ASIN,
			"sku", draft.SKU,
			"offer_id", draft.OfferID,
			"price", draft.Price,
			"published", draft.Published,
		)
	}
}

func (c *Consumer) retryTask(task *queue.Task, cause error) {
	task.Retries++
	if task.Retries > maxRetries {
		c.logger.Error("Dropping listing task after retries",
			"asin", task.Row.ASIN,
			"retries", task.Retries,
			"error", cause,
		)
		return
	}

	c.logger.Warn("Listing failed, requeueing",
		"asin", task.Row.ASIN,
		"attempt", task.Retries,
		"error", cause,
	)
	if err := c.queue.Push(task); err != nil {
		c.logger.Error("Failed to requeue task", "asin", task.Row.ASIN, "error", err)
	}
}
