package config

import (
	"os"
	"testing"

	"github.com/spf13/viper"
)

func TestLoadConfig_UsesClaimServiceInternalAPIKeyAlias(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	unsetEnvWithCleanup(t, "INTERNAL_API_KEY")
	setEnvWithCleanup(t, "CLAIM_SERVICE_INTERNAL_API_KEY", "alias-only-key")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.InternalAPIKey != "alias-only-key" {
		t.Fatalf("expected InternalAPIKey from alias env var, got %q", cfg.InternalAPIKey)
	}
}

func TestLoadConfig_InternalAPIKeyTakesPrecedenceOverAlias(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	setEnvWithCleanup(t, "INTERNAL_API_KEY", "primary-key")
	setEnvWithCleanup(t, "CLAIM_SERVICE_INTERNAL_API_KEY", "alias-key")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.InternalAPIKey != "primary-key" {
		t.Fatalf("expected InternalAPIKey to prioritize INTERNAL_API_KEY, got %q", cfg.InternalAPIKey)
	}
}

func TestLoadConfig_AppliesDefaults(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	unsetEnvWithCleanup(t, "SERVER_PORT")
	unsetEnvWithCleanup(t, "PORT")
	unsetEnvWithCleanup(t, "EVENT_EXCHANGE")
	unsetEnvWithCleanup(t, "LIFECYCLE_EVENT_QUEUE")
	unsetEnvWithCleanup(t, "CLAIM_RATE_LIMIT_PER_MINUTE")
	unsetEnvWithCleanup(t, "CLAIM_REMINDER_AFTER_DAYS")
	unsetEnvWithCleanup(t, "CLAIM_REMINDER_CRON")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.ServerPort != "8080" {
		t.Fatalf("expected default ServerPort 8080, got %q", cfg.ServerPort)
	}
	if cfg.EventExchange != "giftbubble.events" {
		t.Fatalf("expected default EventExchange giftbubble.events, got %q", cfg.EventExchange)
	}
	if cfg.LifecycleEventQueue != "claim_service.lifecycle_events" {
		t.Fatalf("expected default LifecycleEventQueue, got %q", cfg.LifecycleEventQueue)
	}
	if cfg.ClaimRateLimitPerMinute != 30 {
		t.Fatalf("expected default ClaimRateLimitPerMinute 30, got %d", cfg.ClaimRateLimitPerMinute)
	}
	if cfg.ClaimReminderAfterDays != 7 {
		t.Fatalf("expected default ClaimReminderAfterDays 7, got %d", cfg.ClaimReminderAfterDays)
	}
	if cfg.ClaimReminderCron != "0 9 * * *" {
		t.Fatalf("expected default ClaimReminderCron, got %q", cfg.ClaimReminderCron)
	}
}

func TestLoadConfig_PortEnvOverridesServerPort(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	setEnvWithCleanup(t, "SERVER_PORT", "8080")
	setEnvWithCleanup(t, "PORT", "9191")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.ServerPort != "9191" {
		t.Fatalf("expected PORT to override ServerPort, got %q", cfg.ServerPort)
	}
}

func TestLoadConfig_SplitsCORSAllowedOrigins(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	setEnvWithCleanup(t, "CORS_ALLOWED_ORIGINS", "https://app.giftbubble.io, https://staging.giftbubble.io ,")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if len(cfg.CORSOrigins) != 2 {
		t.Fatalf("expected 2 CORS origins, got %d (%v)", len(cfg.CORSOrigins), cfg.CORSOrigins)
	}
	if cfg.CORSOrigins[0] != "https://app.giftbubble.io" || cfg.CORSOrigins[1] != "https://staging.giftbubble.io" {
		t.Fatalf("unexpected CORS origins: %v", cfg.CORSOrigins)
	}
}

func TestLoadConfig_ClampsNonPositiveTunables(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	setEnvWithCleanup(t, "CLAIM_RATE_LIMIT_PER_MINUTE", "-5")
	setEnvWithCleanup(t, "CLAIM_REMINDER_AFTER_DAYS", "0")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.ClaimRateLimitPerMinute != 30 {
		t.Fatalf("expected ClaimRateLimitPerMinute clamp to 30, got %d", cfg.ClaimRateLimitPerMinute)
	}
	if cfg.ClaimReminderAfterDays != 7 {
		t.Fatalf("expected ClaimReminderAfterDays clamp to 7, got %d", cfg.ClaimReminderAfterDays)
	}
}

func setEnvWithCleanup(t *testing.T, key string, value string) {
	t.Helper()
	prev, hadPrev := os.LookupEnv(key)
	if err := os.Setenv(key, value); err != nil {
		t.Fatalf("failed to set env %s: %v", key, err)
	}
	t.Cleanup(func() {
		if hadPrev {
			_ = os.Setenv(key, prev)
			return
		}
		_ = os.Unsetenv(key)
	})
}

func unsetEnvWithCleanup(t *testing.T, key string) {
	t.Helper()
	prev, hadPrev := os.LookupEnv(key)
	if err := os.Unsetenv(key); err != nil {
		t.Fatalf("failed to unset env %s: %v", key, err)
	}
	t.Cleanup(func() {
		if hadPrev {
			_ = os.Setenv(key, prev)
			return
		}
		_ = os.Unsetenv(key)
	})
}
