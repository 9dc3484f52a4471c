package redis

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	positions "github.com/vcsantana/rastreio-new-trac-sub000/internal/positions/domain"
)

const defaultTTL = 24 * time.Hour

// LatestCache keeps the most recent fix per registered device in Redis,
// serialized as JSON under one key per device.
type LatestCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewLatestCache constructs a cache. A zero ttl uses the default of one day.
func NewLatestCache(client *redis.Client, ttl time.Duration) (*LatestCache, error) {
	if client == nil {
		return nil, errors.New("latest cache: nil redis client")
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &LatestCache{client: client, ttl: ttl}, nil
}

// SetLatest stores the position as the device's most recent fix.
func (c *LatestCache) SetLatest(ctx context.Context, position *positions.Position) error {
	if position == nil || position.DeviceID == 0 {
		return errors.New("latest cache: position without device")
	}
	payload, err := json.Marshal(cachedPosition{
		ID:         position.ID,
		DeviceID:   position.DeviceID,
		Protocol:   position.Protocol,
		ServerTime: position.ServerTime,
		DeviceTime: position.DeviceTime,
		Valid:      position.Valid,
		Latitude:   position.Latitude,
		Longitude:  position.Longitude,
		Altitude:   position.Altitude,
		Speed:      position.Speed,
		Course:     position.Course,
		Attributes: position.Attributes,
	})
	if err != nil {
		return err
	}
	return c.client.Set(ctx, latestKey(position.DeviceID), payload, c.ttl).Err()
}

// GetLatest returns the device's most recent fix, or (nil, nil) on a miss.
func (c *LatestCache) GetLatest(ctx context.Context, deviceID int64) (*positions.Position, error) {
	payload, err := c.client.Get(ctx, latestKey(deviceID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	var cached cachedPosition
	if err := json.Unmarshal(payload, &cached); err != nil {
		return nil, err
	}
	return &positions.Position{
		ID:         cached.ID,
		DeviceID:   cached.DeviceID,
		Protocol:   cached.Protocol,
		ServerTime: cached.ServerTime,
		DeviceTime: cached.DeviceTime,
		Valid:      cached.Valid,
		Latitude:   cached.Latitude,
		Longitude:  cached.Longitude,
		Altitude:   cached.Altitude,
		Speed:      cached.Speed,
		Course:     cached.Course,
		Attributes: cached.Attributes,
	}, nil
}

type cachedPosition struct {
	ID         int64                 `json:"id"`
	DeviceID   int64                 `json:"device_id"`
	Protocol   string                `json:"protocol"`
	ServerTime time.Time             `json:"server_time"`
	DeviceTime time.Time             `json:"device_time"`
	Valid      bool                  `json:"valid"`
	Latitude   float64               `json:"latitude"`
	Longitude  float64               `json:"longitude"`
	Altitude   float64               `json:"altitude"`
	Speed      float64               `json:"speed"`
	Course     float64               `json:"course"`
	Attributes *positions.Attributes `json:"attributes,omitempty"`
}

func latestKey(deviceID int64) string {
	return "tracker:latest:" + strconv.FormatInt(deviceID, 10)
}
