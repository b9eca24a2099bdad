package bootstrap

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"

	appconfig "github.com/wolfman30/coaching-platform/internal/config"
	"github.com/wolfman30/coaching-platform/pkg/logging"
)

func TestBuildRedisClientDisabledWithoutAddr(t *testing.T) {
	if client := BuildRedisClient(context.Background(), &appconfig.Config{}, logging.New("error"), true); client != nil {
		t.Fatalf("expected nil client without REDIS_ADDR")
	}
	if client := BuildRedisClient(context.Background(), nil, logging.New("error"), true); client != nil {
		t.Fatalf("expected nil client for nil config")
	}
}

func TestBuildRedisClientVerifies(t *testing.T) {
	mr := miniredis.RunT(t)

	client := BuildRedisClient(context.Background(), &appconfig.Config{RedisAddr: mr.Addr()}, logging.New("error"), true)
	if client == nil {
		t.Fatalf("expected client for reachable redis")
	}
	_ = client.Close()

	mr.Close()
	if client := BuildRedisClient(context.Background(), &appconfig.Config{RedisAddr: mr.Addr()}, logging.New("error"), true); client != nil {
		t.Fatalf("expected nil client when ping fails")
	}
}

func TestRedisCmdableNilClient(t *testing.T) {
	if redisCmdable(nil) != nil {
		t.Fatalf("expected nil interface for nil client")
	}
}

func TestBuildPostgresPoolRequiresURL(t *testing.T) {
	if _, err := BuildPostgresPool(context.Background(), " "); err == nil {
		t.Fatalf("expected error for empty database url")
	}
	if _, err := BuildPostgresPool(context.Background(), "://not-a-url"); err == nil {
		t.Fatalf("expected error for malformed database url")
	}
}

func TestBuildSQLDBNilPool(t *testing.T) {
	if BuildSQLDB(nil) != nil {
		t.Fatalf("expected nil db for nil pool")
	}
}
