package config

import (
	"testing"
	"time"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("FEISHU_APP_ID", "cli_test")
	t.Setenv("FEISHU_APP_SECRET", "secret")
	t.Setenv("FEISHU_VERIFICATION_TOKEN", "verify")
}

func TestLoadDefaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load("testdata/does-not-exist.env")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Feishu.TokenMargin() != 5*time.Minute {
		t.Errorf("token margin = %v, want 5m", cfg.Feishu.TokenMargin())
	}
	if cfg.Ticket.DraftTTL() != 24*time.Hour {
		t.Errorf("draft ttl = %v, want 24h", cfg.Ticket.DraftTTL())
	}
	if cfg.Ticket.MaxHistoryRecords != 10 {
		t.Errorf("max history = %d, want 10", cfg.Ticket.MaxHistoryRecords)
	}
	if cfg.Redis.Addr != "" {
		t.Errorf("expected empty redis addr by default, got %q", cfg.Redis.Addr)
	}
	if cfg.App.Addr() != "0.0.0.0:8080" {
		t.Errorf("addr = %s", cfg.App.Addr())
	}
	if len(cfg.Kafka.Brokers) != 0 {
		t.Errorf("expected no kafka brokers, got %v", cfg.Kafka.Brokers)
	}
}

func TestLoadRequiresCredentials(t *testing.T) {
	t.Setenv("FEISHU_APP_ID", "")
	t.Setenv("FEISHU_APP_SECRET", "")

	if _, err := Load("testdata/does-not-exist.env"); err == nil {
		t.Fatal("expected error when feishu credentials are missing")
	}
}

func TestLoadRequiresVerification(t *testing.T) {
	t.Setenv("FEISHU_APP_ID", "cli_test")
	t.Setenv("FEISHU_APP_SECRET", "secret")
	t.Setenv("FEISHU_VERIFICATION_TOKEN", "")
	t.Setenv("FEISHU_ENCRYPT_KEY", "")

	if _, err := Load("testdata/does-not-exist.env"); err == nil {
		t.Fatal("expected error when no verification material is configured")
	}
}

func TestLoadParsesLists(t *testing.T) {
	setRequired(t)
	t.Setenv("KAFKA_BROKERS", "kafka-1:9092, kafka-2:9092,,")
	t.Setenv("RETRY_BASE_DELAY_MILLIS", "250")

	cfg, err := Load("testdata/does-not-exist.env")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(cfg.Kafka.Brokers) != 2 || cfg.Kafka.Brokers[1] != "kafka-2:9092" {
		t.Errorf("brokers = %v", cfg.Kafka.Brokers)
	}
	if cfg.Retry.BaseDelay() != 250*time.Millisecond {
		t.Errorf("base delay = %v", cfg.Retry.BaseDelay())
	}
}

func TestInvalidRedisDB(t *testing.T) {
	setRequired(t)
	t.Setenv("REDIS_DB", "zero")

	if _, err := Load("testdata/does-not-exist.env"); err == nil {
		t.Fatal("expected error for non-numeric REDIS_DB")
	}
}
