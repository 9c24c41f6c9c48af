package config

import (
	"os"
	"strconv"
	"time"
)

// PricingPolicy holds the cost-calculator constants. The formula constants
// were tuned against the gaussian-splatting workload; treat them as policy,
// not as something derived.
type PricingPolicy struct {
	IterationsPerCredit int
	CreditsPerImage     int64
	TierMultipliers     map[string]float64
	DefaultMultiplier   float64
	SignupBonusCredits  int64
}

// LimitsPolicy holds free-tier admission limits.
type LimitsPolicy struct {
	FreeDailyJobCap   int
	FreeMonthlyJobCap int
	FreeAllowedTier   string
}

// ProviderPolicy holds compute-provider call settings.
type ProviderPolicy struct {
	BaseURL         string
	APIKey          string
	CallbackURL     string
	DispatchTimeout time.Duration
	AbortTimeout    time.Duration
}

func LoadPricingPolicy() *PricingPolicy {
	return &PricingPolicy{
		IterationsPerCredit: getEnvAsInt("PRICING_ITERATIONS_PER_CREDIT", 100),
		CreditsPerImage:     int64(getEnvAsInt("PRICING_CREDITS_PER_IMAGE", 2)),
		TierMultipliers: map[string]float64{
			"preview":  getEnvAsFloat("PRICING_MULTIPLIER_PREVIEW", 0.8),
			"standard": getEnvAsFloat("PRICING_MULTIPLIER_STANDARD", 1.0),
			"high":     getEnvAsFloat("PRICING_MULTIPLIER_HIGH", 1.3),
			"ultra":    getEnvAsFloat("PRICING_MULTIPLIER_ULTRA", 1.5),
		},
		DefaultMultiplier:  1.0,
		SignupBonusCredits: int64(getEnvAsInt("SIGNUP_BONUS_CREDITS", 25)),
	}
}

func LoadLimitsPolicy() *LimitsPolicy {
	return &LimitsPolicy{
		FreeDailyJobCap:   getEnvAsInt("FREE_DAILY_JOB_CAP", 2),
		FreeMonthlyJobCap: getEnvAsInt("FREE_MONTHLY_JOB_CAP", 5),
		FreeAllowedTier:   getEnv("FREE_ALLOWED_QUALITY_TIER", "preview"),
	}
}

func LoadProviderPolicy() *ProviderPolicy {
	return &ProviderPolicy{
		BaseURL:         getEnv("PROVIDER_BASE_URL", "https://api.runpod.ai/v2/splatforge"),
		APIKey:          getEnv("PROVIDER_API_KEY", ""),
		CallbackURL:     getEnv("PROVIDER_CALLBACK_URL", "http://localhost:8080/api/v1/callbacks/provider"),
		DispatchTimeout: getEnvAsDuration("PROVIDER_DISPATCH_TIMEOUT", 15*time.Second),
		AbortTimeout:    getEnvAsDuration("PROVIDER_ABORT_TIMEOUT", 5*time.Second),
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvAsInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvAsFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getEnvAsDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if duration, err := time.ParseDuration(val); err == nil {
			return duration
		}
	}
	return defaultVal
}
