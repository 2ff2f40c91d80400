package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paybroker/paybroker/internal/processor"
)

// Test helper to set env vars and clean up after
func setEnv(t *testing.T, key, value string) {
	t.Helper()
	old := os.Getenv(key)
	os.Setenv(key, value)
	t.Cleanup(func() {
		if old == "" {
			os.Unsetenv(key)
		} else {
			os.Setenv(key, old)
		}
	})
}

func TestLoad_WithValidConfig(t *testing.T) {
	setEnv(t, "BACKEND", "stripe")
	setEnv(t, "PRIV_KEY", "sk_test_abc123")
	setEnv(t, "PORT", "9090")
	setEnv(t, "PROVIDERS", "prov_a, prov_b,")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, "stripe", cfg.Backend)
	assert.Equal(t, DefaultMode, cfg.Mode)
	assert.Equal(t, int64(DefaultBrokerFeeBps), cfg.BrokerFeeBps)
	assert.Equal(t, []string{"prov_a", "prov_b"}, cfg.Providers)
}

func TestLoad_MissingSecretKey(t *testing.T) {
	setEnv(t, "BACKEND", "stripe")
	setEnv(t, "PRIV_KEY", "")

	_, err := Load()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "PRIV_KEY is required")
}

func TestLoad_FakeBackendNeedsNoKey(t *testing.T) {
	setEnv(t, "BACKEND", "fake")
	setEnv(t, "PRIV_KEY", "")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "fake", cfg.Backend)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr string
	}{
		{
			name:    "valid config",
			config:  Config{Backend: "stripe", SecretKey: "sk_test", Mode: "LOCAL"},
			wantErr: "",
		},
		{
			name:    "missing secret key",
			config:  Config{Backend: "stripe", Mode: "LOCAL"},
			wantErr: "PRIV_KEY is required",
		},
		{
			name:    "bad mode",
			config:  Config{Backend: "fake", Mode: "SIDEWAYS"},
			wantErr: "unknown mode",
		},
		{
			name:    "remote mode needs client id",
			config:  Config{Backend: "stripe", SecretKey: "sk_test", Mode: "REMOTE"},
			wantErr: "client id is required",
		},
		{
			name:    "fee bps out of range",
			config:  Config{Backend: "fake", Mode: "LOCAL", BrokerFeeBps: 20000},
			wantErr: "BROKER_FEE_BPS",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestProcessorConfigFeeSchedules(t *testing.T) {
	stripe := Config{Backend: "stripe", SecretKey: "sk", Mode: "LOCAL", BrokerFeeBps: 100}
	fees := stripe.ProcessorConfig().Fees
	assert.EqualValues(t, 290, fees.Numerator)
	assert.EqualValues(t, 30, fees.Fixed)
	assert.EqualValues(t, 100, fees.BrokerBps)

	razorpay := Config{Backend: "razorpay", SecretKey: "rz", Mode: "LOCAL"}
	fees = razorpay.ProcessorConfig().Fees
	assert.EqualValues(t, 200, fees.Numerator)
	assert.EqualValues(t, 0, fees.Fixed)

	flutterwave := Config{Backend: "flutterwave", SecretKey: "fw", Mode: "LOCAL"}
	fees = flutterwave.ProcessorConfig().Fees
	assert.EqualValues(t, 140, fees.Numerator)
	assert.EqualValues(t, 200000, fees.FeeCap)
}

func TestProcessorConfigKindAndMode(t *testing.T) {
	cfg := Config{Backend: "stripe", SecretKey: "sk", Mode: "FORWARD", ClientID: "acct_1"}
	pc := cfg.ProcessorConfig()
	assert.Equal(t, processor.KindStripe, pc.Kind)
	assert.Equal(t, processor.ModeForward, pc.Mode)
	assert.Equal(t, "acct_1", pc.ClientID)
}

func TestConfig_IsDevelopment(t *testing.T) {
	cfg := &Config{Env: "development"}
	assert.True(t, cfg.IsDevelopment())
	assert.False(t, cfg.IsProduction())

	cfg.Env = "production"
	assert.False(t, cfg.IsDevelopment())
	assert.True(t, cfg.IsProduction())
}

func TestGetEnv(t *testing.T) {
	setEnv(t, "TEST_VAR", "custom_value")

	assert.Equal(t, "custom_value", getEnv("TEST_VAR", "default"))
	assert.Equal(t, "default", getEnv("NONEXISTENT_VAR", "default"))
}

func TestGetEnvInt64(t *testing.T) {
	setEnv(t, "TEST_INT", "42")
	setEnv(t, "TEST_INVALID", "not_a_number")

	assert.Equal(t, int64(42), getEnvInt64("TEST_INT", 0))
	assert.Equal(t, int64(99), getEnvInt64("NONEXISTENT_VAR", 99))
	assert.Equal(t, int64(99), getEnvInt64("TEST_INVALID", 99)) // Falls back on parse error
}
