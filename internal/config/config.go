package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

type Config struct {
	Port                  string
	AllowedOrigin         string
	DatabaseURL           string
	RedisAddr             string
	RedisPassword         string
	RedisDB               int
	BranchID              string
	AllocationServiceURL  string
	AuthSecret            string
	AccessTokenTTLMinutes int
	TaxEnabledDefault     bool
	TaxRatePercentDefault float64
}

func Load() Config {
	redisDB, _ := strconv.Atoi(getEnv("REDIS_DB", "0"))
	tokenTTL, err := strconv.Atoi(getEnv("ACCESS_TOKEN_TTL_MINUTES", "480"))
	if err != nil || tokenTTL < 1 {
		tokenTTL = 480
	}
	// PPN default; branches override per bill through the settlement input.
	taxRate, err := strconv.ParseFloat(getEnv("DEFAULT_TAX_RATE_PERCENT", "11"), 64)
	if err != nil || taxRate < 0 || taxRate > 100 {
		taxRate = 11
	}
	taxEnabled := strings.EqualFold(getEnv("DEFAULT_TAX_ENABLED", "false"), "true")

	cfg := Config{
		Port:                  getEnv("PORT", "8080"),
		AllowedOrigin:         getEnv("ALLOWED_ORIGIN", "http://127.0.0.1:3000"),
		DatabaseURL:           os.Getenv("DATABASE_URL"),
		RedisAddr:             os.Getenv("REDIS_ADDR"),
		RedisPassword:         os.Getenv("REDIS_PASSWORD"),
		RedisDB:               redisDB,
		BranchID:              getEnv("DEFAULT_BRANCH_ID", "main-branch"),
		AllocationServiceURL:  strings.TrimSpace(os.Getenv("ALLOCATION_SERVICE_URL")),
		AuthSecret:            strings.TrimSpace(os.Getenv("AUTH_SECRET")),
		AccessTokenTTLMinutes: tokenTTL,
		TaxEnabledDefault:     taxEnabled,
		TaxRatePercentDefault: taxRate,
	}

	return cfg
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

func getEnv(key string, fallback string) string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	return val
}
