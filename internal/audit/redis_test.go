package audit

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"
)

// Runs against a live server when TXGUARD_REDIS_ADDR is set.
func TestRedisStore_Contract(t *testing.T) {
	addr := os.Getenv("TXGUARD_REDIS_ADDR")
	if addr == "" {
		t.Skip("TXGUARD_REDIS_ADDR not set")
	}
	ctx := context.Background()
	prefix := "txguard-test-" + uuid.NewString()

	store, err := NewRedisStore(ctx, RedisOptions{Addr: addr, Prefix: prefix})
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	defer func() {
		keys, _ := store.client.Keys(ctx, prefix+":*").Result()
		if len(keys) > 0 {
			store.client.Del(ctx, keys...)
		}
	}()

	testStoreContract(t, store)
}

func TestRedisStore_Unreachable(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := NewRedisStore(ctx, RedisOptions{Addr: "127.0.0.1:1"}); err == nil {
		t.Error("expected ping failure")
	}
}
