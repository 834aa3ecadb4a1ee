// Package notify publishes presence events to Redis so other services can
// react to people entering or leaving the view.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/andresmejia3/bodytrack/internal/presence"
)

type Config struct {
	Addr     string
	Password string
	DB       int
	// Channel receives one JSON message per event.
	Channel string
	// PresentTTL bounds how long the set of bodies in view survives without
	// updates, so a crashed tracker does not leave people "present" forever.
	PresentTTL time.Duration
}

// Message is the JSON payload published for each event.
type Message struct {
	SessionID string `json:"session_id"`
	presence.Event
	TimestampUS int64  `json:"device_timestamp_us"`
	Text        string `json:"text"`
}

func encodeMessage(sessionID string, ev presence.Event) ([]byte, error) {
	return json.Marshal(Message{
		SessionID:   sessionID,
		Event:       ev,
		TimestampUS: ev.DeviceTimestamp.Microseconds(),
		Text:        ev.String(),
	})
}

// PresentKey is the Redis set holding the ids currently in view for a session.
func PresentKey(sessionID string) string {
	return "bodytrack:present:" + sessionID
}

// Publisher sends events over Redis pub/sub. A nil *Publisher is valid and
// drops everything, which is how a disabled Redis is represented.
type Publisher struct {
	client *redis.Client
	cfg    Config
	log    *zap.Logger
}

func NewPublisher(cfg Config, log *zap.Logger) *Publisher {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.Channel == "" {
		cfg.Channel = "bodytrack:presence"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return &Publisher{client: client, cfg: cfg, log: log}
}

func (p *Publisher) Ping(ctx context.Context) error {
	if p == nil {
		return nil
	}
	return p.client.Ping(ctx).Err()
}

// Publish sends events in one pipelined round trip and updates the session's
// present set.
func (p *Publisher) Publish(ctx context.Context, sessionID string, events []presence.Event) error {
	if p == nil || len(events) == 0 {
		return nil
	}

	key := PresentKey(sessionID)
	pipe := p.client.TxPipeline()
	for _, ev := range events {
		data, err := encodeMessage(sessionID, ev)
		if err != nil {
			return err
		}
		pipe.Publish(ctx, p.cfg.Channel, data)

		member := strconv.FormatUint(uint64(ev.BodyID), 10)
		switch ev.Kind {
		case presence.Entered:
			pipe.SAdd(ctx, key, member)
		case presence.Exited:
			pipe.SRem(ctx, key, member)
		}
	}
	if p.cfg.PresentTTL > 0 {
		pipe.Expire(ctx, key, p.cfg.PresentTTL)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("publish %d events: %w", len(events), err)
	}
	p.log.Debug("published presence events", zap.String("session", sessionID), zap.Int("count", len(events)))
	return nil
}

// Present returns the ids the tracker currently reports in view.
func (p *Publisher) Present(ctx context.Context, sessionID string) ([]uint32, error) {
	if p == nil {
		return nil, nil
	}
	members, err := p.client.SMembers(ctx, PresentKey(sessionID)).Result()
	if err != nil {
		return nil, err
	}
	ids := make([]uint32, 0, len(members))
	for _, m := range members {
		id, err := strconv.ParseUint(m, 10, 32)
		if err != nil {
			p.log.Warn("ignoring malformed present member", zap.String("member", m))
			continue
		}
		ids = append(ids, uint32(id))
	}
	return ids, nil
}

// Clear removes the session's present set, used when a session ends.
func (p *Publisher) Clear(ctx context.Context, sessionID string) error {
	if p == nil {
		return nil
	}
	return p.client.Del(ctx, PresentKey(sessionID)).Err()
}

func (p *Publisher) Close() error {
	if p == nil {
		return nil
	}
	return p.client.Close()
}
