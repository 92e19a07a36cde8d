package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"im-client/internal/config"
	"im-client/internal/models"
)

const messageTTL = 24 * time.Hour

// RoomStore backs the relay with Redis: per-room pub/sub fan-out,
// per-room sequence counters and a bounded message history used for
// gap backfills.
type RoomStore struct {
	client *redis.Client
	logger *logrus.Logger
}

// NewRoomStore connects to Redis and verifies the connection.
func NewRoomStore(cfg config.RedisConfig, logger *logrus.Logger) (*RoomStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger.Info("Connected to Redis successfully")

	return &RoomStore{client: client, logger: logger}, nil
}

// Close releases the Redis connection.
func (r *RoomStore) Close() error {
	return r.client.Close()
}

func roomChannel(roomID string) string {
	return "room:" + roomID
}

// PublishEnvelope fans an envelope out to every relay instance
// subscribed to its room.
func (r *RoomStore) PublishEnvelope(ctx context.Context, env models.RoomEnvelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}

	if err := r.client.Publish(ctx, roomChannel(env.Room), data).Err(); err != nil {
		return fmt.Errorf("failed to publish envelope: %w", err)
	}

	r.logger.WithFields(logrus.Fields{
		"room_id": env.Room,
		"type":    env.Type,
	}).Debug("Envelope published")

	return nil
}

// Subscribe blocks consuming a room's channel until ctx is cancelled,
// invoking callback for every envelope.
func (r *RoomStore) Subscribe(ctx context.Context, roomID string, callback func(models.RoomEnvelope)) error {
	pubsub := r.client.Subscribe(ctx, roomChannel(roomID))
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to room channel: %w", err)
	}

	r.logger.WithField("room_id", roomID).Info("Subscribed to room channel")

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var env models.RoomEnvelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				r.logger.WithError(err).Error("Failed to unmarshal envelope")
				continue
			}
			callback(env)
		}
	}
}

// NextSequence atomically allocates the next per-room sequence number.
func (r *RoomStore) NextSequence(ctx context.Context, roomID string) (int64, error) {
	seq, err := r.client.Incr(ctx, "room_seq:"+roomID).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to allocate sequence: %w", err)
	}
	return seq, nil
}

// StoreMessage records a chat envelope in the room history, scored by
// sequence number so ranges can be fetched for backfill.
func (r *RoomStore) StoreMessage(ctx context.Context, roomID string, seq int64, env models.RoomEnvelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}

	key := "room_messages:" + roomID
	pipe := r.client.Pipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(seq), Member: data})
	pipe.Expire(ctx, key, messageTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to store message: %w", err)
	}
	return nil
}

// MessagesFrom returns the stored envelopes with sequence numbers
// strictly greater than fromSeq, in order.
func (r *RoomStore) MessagesFrom(ctx context.Context, roomID string, fromSeq int64) ([]models.RoomEnvelope, error) {
	key := "room_messages:" + roomID
	raw, err := r.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(fromSeq, 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to fetch messages: %w", err)
	}

	envelopes := make([]models.RoomEnvelope, 0, len(raw))
	for _, item := range raw {
		var env models.RoomEnvelope
		if err := json.Unmarshal([]byte(item), &env); err != nil {
			r.logger.WithError(err).Error("Failed to unmarshal stored envelope")
			continue
		}
		envelopes = append(envelopes, env)
	}
	return envelopes, nil
}

// AddRoomMember records a participant in the room membership set.
func (r *RoomStore) AddRoomMember(ctx context.Context, roomID string, member models.Participant) error {
	data, err := json.Marshal(member)
	if err != nil {
		return fmt.Errorf("failed to marshal member: %w", err)
	}
	if err := r.client.HSet(ctx, "room_members:"+roomID, member.SocketID, data).Err(); err != nil {
		return fmt.Errorf("failed to add room member: %w", err)
	}
	return nil
}

// RemoveRoomMember drops a participant from the membership set.
func (r *RoomStore) RemoveRoomMember(ctx context.Context, roomID, socketID string) error {
	if err := r.client.HDel(ctx, "room_members:"+roomID, socketID).Err(); err != nil {
		return fmt.Errorf("failed to remove room member: %w", err)
	}
	return nil
}

// RoomMembers lists the current membership of a room.
func (r *RoomStore) RoomMembers(ctx context.Context, roomID string) ([]models.Participant, error) {
	raw, err := r.client.HGetAll(ctx, "room_members:"+roomID).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get room members: %w", err)
	}

	members := make([]models.Participant, 0, len(raw))
	for _, item := range raw {
		var member models.Participant
		if err := json.Unmarshal([]byte(item), &member); err != nil {
			continue
		}
		members = append(members, member)
	}
	return members, nil
}

// SetActiveRoom stores which room a client is watching; an empty room
// clears the marker.
func (r *RoomStore) SetActiveRoom(ctx context.Context, socketID, roomID string) error {
	key := "active_room:" + socketID
	if roomID == "" {
		if err := r.client.Del(ctx, key).Err(); err != nil {
			return fmt.Errorf("failed to clear active room: %w", err)
		}
		return nil
	}
	if err := r.client.Set(ctx, key, roomID, 12*time.Hour).Err(); err != nil {
		return fmt.Errorf("failed to set active room: %w", err)
	}
	return nil
}
