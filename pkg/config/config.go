package config

import (
	"log"
	"os"
	"strconv"
	"time"
)

type APIConfig struct {
	Port       string
	DBDSN      string
	RMQURL     string
	EventQueue string
}

type WorkerConfig struct {
	DBDSN      string
	RMQURL     string
	EventQueue string

	// Broadcast executor / scheduler.
	SchedulerInterval time.Duration
	RateLimitPerHour  int
	SenderBaseURL     string
	SenderToken       string

	// Webhook delivery.
	WebhookTimeout     time.Duration
	WebhookMaxAttempts int
	DispatchWorkers    int
}

var (
	API    APIConfig
	Worker WorkerConfig
)

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func mustEnv(k string) string {
	v := os.Getenv(k)
	if v == "" {
		log.Fatalf("required env %s is not set", k)
	}
	return v
}

func getenvInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
		log.Fatalf("env %s: not an integer: %q", k, v)
	}
	return def
}

func getenvDuration(k string, def time.Duration) time.Duration {
	if v := os.Getenv(k); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
		log.Fatalf("env %s: not a duration: %q", k, v)
	}
	return def
}

func MustLoadAPI() {
	API = APIConfig{
		Port:       getenv("PORT", "8080"),
		DBDSN:      mustEnv("DB_DSN"),
		RMQURL:     mustEnv("RMQ_URL"),
		EventQueue: getenv("EVENT_QUEUE", "webhook_events"),
	}
}

func MustLoadWorker() {
	Worker = WorkerConfig{
		DBDSN:      mustEnv("DB_DSN"),
		RMQURL:     mustEnv("RMQ_URL"),
		EventQueue: getenv("EVENT_QUEUE", "webhook_events"),

		SchedulerInterval: getenvDuration("SCHEDULER_INTERVAL", time.Minute),
		RateLimitPerHour:  getenvInt("RATE_LIMIT_PER_HOUR", 50),
		SenderBaseURL:     mustEnv("SENDER_BASE_URL"),
		SenderToken:       mustEnv("SENDER_TOKEN"),

		WebhookTimeout:     getenvDuration("WEBHOOK_TIMEOUT", 30*time.Second),
		WebhookMaxAttempts: getenvInt("WEBHOOK_MAX_ATTEMPTS", 5),
		DispatchWorkers:    getenvInt("DISPATCH_WORKERS", 8),
	}
}
