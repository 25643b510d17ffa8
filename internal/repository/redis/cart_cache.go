package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"qrorder-auth/internal/client"
	"qrorder-auth/internal/models"
	"qrorder-auth/internal/repository"
	"qrorder-auth/internal/util"
)

const cartPrefix = "cart:"

type CartCache struct {
	client *client.RedisClient
}

func NewCartCache(client *client.RedisClient) *CartCache {
	return &CartCache{client: client}
}

func (c *CartCache) Get(ctx context.Context, owner string) (*models.CartSnapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	val, err := c.client.Get(ctx, c.client.Key(cartPrefix+owner))
	if err != nil {
		if errors.Is(err, client.ErrKeyNotFound) {
			return nil, repository.ErrNotFound
		}
		util.Error("Failed to get cart",
			zap.String("owner", owner),
			zap.Error(err))
		return nil, fmt.Errorf("failed to get cart: %w", err)
	}

	var cart models.CartSnapshot
	if err := json.Unmarshal([]byte(val), &cart); err != nil {
		return nil, fmt.Errorf("failed to unmarshal cart: %w", err)
	}
	return &cart, nil
}

func (c *CartCache) Save(ctx context.Context, owner string, cart *models.CartSnapshot, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	data, err := json.Marshal(cart)
	if err != nil {
		return fmt.Errorf("failed to marshal cart: %w", err)
	}
	if ttl <= 0 {
		ttl = time.Second
	}
	if err := c.client.Set(ctx, c.client.Key(cartPrefix+owner), data, ttl); err != nil {
		util.Error("Failed to save cart",
			zap.String("owner", owner),
			zap.Error(err))
		return fmt.Errorf("failed to save cart: %w", err)
	}

	util.Debug("Cart saved",
		zap.String("owner", owner),
		zap.Int("items", len(cart.Items)),
		zap.Duration("ttl", ttl))
	return nil
}

func (c *CartCache) Delete(ctx context.Context, owner string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := c.client.Del(ctx, c.client.Key(cartPrefix+owner)); err != nil {
		return fmt.Errorf("failed to delete cart: %w", err)
	}
	return nil
}
