package shared

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// TabStore is tab-scoped storage: one JSON record per tab that expires with
// the tab, plus a per-device index of tabs.
type TabStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewTabStore constructs a TabStore.
func NewTabStore(client *redis.Client, ttl time.Duration) *TabStore {
	if ttl <= 0 {
		ttl = 12 * time.Hour
	}
	return &TabStore{client: client, ttl: ttl}
}

// Register records the tab under its device without storing a session.
func (s *TabStore) Register(ctx context.Context, tab Tab) error {
	if tab.DeviceID == "" {
		return nil
	}
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, deviceTabsKey(tab.DeviceID), tab.ID)
		pipe.Expire(ctx, deviceTabsKey(tab.DeviceID), s.ttl)
		return nil
	})
	return err
}

// Load decodes the tab record into dest. It reports false when no record exists.
func (s *TabStore) Load(ctx context.Context, tabID string, dest any) (bool, error) {
	payload, err := s.client.Get(ctx, tabKey(tabID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, err
	}
	if err := json.Unmarshal(payload, dest); err != nil {
		return false, err
	}
	return true, nil
}

// Save writes the tab record, last writer wins.
func (s *TabStore) Save(ctx context.Context, tab Tab, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, tabKey(tab.ID), data, s.ttl)
		if tab.DeviceID != "" {
			pipe.SAdd(ctx, deviceTabsKey(tab.DeviceID), tab.ID)
			pipe.Expire(ctx, deviceTabsKey(tab.DeviceID), s.ttl)
		}
		return nil
	})
	return err
}

// Delete removes the tab record. The tab stays registered under its device.
func (s *TabStore) Delete(ctx context.Context, tab Tab) error {
	if err := s.client.Del(ctx, tabKey(tab.ID)).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return err
	}
	return nil
}

// Tabs lists the tabs registered for a device.
func (s *TabStore) Tabs(ctx context.Context, deviceID string) ([]string, error) {
	if deviceID == "" {
		return nil, nil
	}
	ids, err := s.client.SMembers(ctx, deviceTabsKey(deviceID)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	return ids, nil
}

func tabKey(id string) string {
	return "tab:" + id + ":session"
}

func deviceTabsKey(deviceID string) string {
	return "device:" + deviceID + ":tabs"
}
