package redis

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const channelPrefix = "attendance:room:"

type Client struct {
	*redis.Client
}

func NewClient(redisURL string) (*Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return &Client{client}, nil
}

func (c *Client) Close() error {
	return c.Client.Close()
}

// RoomChannel is the pub/sub channel carrying events for a notifier room.
func RoomChannel(room string) string {
	return channelPrefix + room
}

// ScanLimitKey is the sorted-set key for a client's scan rate window.
func ScanLimitKey(clientID string) string {
	return fmt.Sprintf("ratelimit:scan:%s", clientID)
}
