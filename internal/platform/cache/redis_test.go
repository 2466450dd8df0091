package cache

import (
	"context"
	"os"
	"testing"
)

func TestNewRedis_EmptyURL(t *testing.T) {
	if _, err := NewRedis(context.Background(), ""); err == nil {
		t.Error("expected error for empty url")
	}
}

func TestNewRedis_BadURL(t *testing.T) {
	if _, err := NewRedis(context.Background(), "http://not-redis"); err == nil {
		t.Error("expected error for non-redis scheme")
	}
}

func TestNewRedis_Live(t *testing.T) {
	url := os.Getenv("TEST_REDIS_URL")
	if url == "" {
		t.Skip("TEST_REDIS_URL not set")
	}
	rdb, err := NewRedis(context.Background(), url)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer rdb.Close()
}
