package app

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/toothpick/billing/internal/fx"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("APP_ENV", "development")
	cfg, err := LoadConfig()
	require.NoError(t, err)
	require.Equal(t, ":8080", cfg.AppAddr)
	require.Equal(t, fx.SourceExchangeRateAPI, cfg.FXSource())
	require.Equal(t, "2.9", cfg.FeePct().String())
	require.False(t, cfg.IsProduction())
}

func TestConfigValidate(t *testing.T) {
	base := func() Config {
		return Config{
			AppEnv:            "production",
			FXDefaultProvider: "banxico",
			FXWarmupPairs:     "USDMXN",
			PlatformFeePct:    "3",
			FXCacheTTL:        1,
		}
	}

	cfg := base()
	require.NoError(t, cfg.Validate())
	require.Equal(t, fx.SourceBanxico, cfg.FXSource())

	cfg = base()
	cfg.StripeSecretKey = "sk_live_x"
	require.ErrorContains(t, cfg.Validate(), "STRIPE_WEBHOOK_SECRET")
	cfg.AppEnv = "staging"
	require.NoError(t, cfg.Validate())

	cfg = base()
	cfg.PayPalClientID = "id"
	require.ErrorContains(t, cfg.Validate(), "must be set together")

	cfg = base()
	cfg.FXDefaultProvider = "ecb"
	cfg.PlatformFeePct = "140"
	err := cfg.Validate()
	require.ErrorContains(t, err, "FX_DEFAULT_PROVIDER")
	require.ErrorContains(t, err, "PLATFORM_FEE_PCT")
}
