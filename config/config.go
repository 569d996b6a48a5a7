package config

import (
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

type Config struct {
	PubsubTopic     string
	Subscription    string
	GoogleProjectID string
	CredentialsFile string
	MetricsPort     int
	LogLevel        string

	QueueCapacity       int
	QueueHistory        int
	PollInterval        time.Duration
	HeartbeatInterval   time.Duration
	ReceiveMaxExtension time.Duration

	EngineURL         string
	EngineTimeout     time.Duration
	StylesFile        string
	InpaintPatchModel string
}

func Load() *Config {
	// .env files are optional; real environment variables take precedence
	_ = godotenv.Load(".env", ".env.local")

	cfg := &Config{
		Subscription:    strings.TrimSpace(getEnv("GENERATION_REQUEST_SUBSCRIPTION", os.Getenv("WORKER_PUBSUB_SUBSCRIPTION"))),
		PubsubTopic:     strings.TrimSpace(getEnv("GENERATION_RESULT_TOPIC", os.Getenv("WORKER_PUBSUB_TOPIC"))),
		MetricsPort:     getEnvInt("WORKER_METRICS_PORT", 8080),
		LogLevel:        strings.TrimSpace(getEnv("WORKER_LOG_LEVEL", "info")),
		CredentialsFile: strings.TrimSpace(firstNonEmpty(os.Getenv("GOOGLE_APPLICATION_CREDENTIALS"), os.Getenv("WORKER_GSA_CREDENTIALS"))),

		QueueCapacity:       getEnvInt("TASK_QUEUE_CAPACITY", 3),
		QueueHistory:        getEnvInt("TASK_QUEUE_HISTORY", 100),
		PollInterval:        time.Millisecond * time.Duration(getEnvInt("TASK_QUEUE_POLL_INTERVAL_MS", 100)),
		HeartbeatInterval:   time.Second * time.Duration(getEnvInt("TASK_QUEUE_HEARTBEAT_INTERVAL_SECONDS", 10)),
		ReceiveMaxExtension: time.Second * time.Duration(getEnvInt("RECEIVE_MAX_EXTENSION_SECONDS", 3600)),

		EngineURL:         strings.TrimSpace(getEnv("ENGINE_URL", "http://127.0.0.1:8188")),
		EngineTimeout:     time.Second * time.Duration(getEnvInt("ENGINE_TIMEOUT_SECONDS", 600)),
		StylesFile:        strings.TrimSpace(os.Getenv("STYLES_FILE")),
		InpaintPatchModel: strings.TrimSpace(getEnv("INPAINT_PATCH_MODEL", "inpaint_v26.fooocus.patch")),
	}

	cfg.GoogleProjectID = getGoogleProjectID(cfg.CredentialsFile, strings.TrimSpace(getEnv("WORKER_PUBSUB_PROJECT_ID", "")))
	if cfg.GoogleProjectID == "" {
		log.Warn().Msg("Google project ID not resolved; set GOOGLE_APPLICATION_CREDENTIALS or GOOGLE_PROJECT_ID or WORKER_PUBSUB_PROJECT_ID")
	}
	if cfg.Subscription == "" {
		log.Warn().Msg("Pub/Sub subscription not set; set GENERATION_REQUEST_SUBSCRIPTION or WORKER_PUBSUB_SUBSCRIPTION")
	}
	if cfg.PubsubTopic == "" {
		log.Warn().Msg("Pub/Sub topic not set; set GENERATION_RESULT_TOPIC or WORKER_PUBSUB_TOPIC")
	}
	if cfg.QueueCapacity < 1 {
		log.Warn().Int("capacity", cfg.QueueCapacity).Msg("TASK_QUEUE_CAPACITY below 1; using 1")
		cfg.QueueCapacity = 1
	}
	return cfg
}

func (c *Config) HTTPAddr() string {
	return net.JoinHostPort("0.0.0.0", strconv.Itoa(c.MetricsPort))
}

// Redacted returns a view safe for logging
func (c *Config) Redacted() map[string]any {
	return map[string]any{
		"projectID":           c.GoogleProjectID,
		"requestSubscription": c.Subscription,
		"resultTopic":         c.PubsubTopic,
		"metricsPort":         c.MetricsPort,
		"logLevel":            c.LogLevel,
		"credentialsProvided": c.CredentialsFile != "",
		"queueCapacity":       c.QueueCapacity,
		"queueHistory":        c.QueueHistory,
		"pollInterval":        c.PollInterval.String(),
		"heartbeatInterval":   c.HeartbeatInterval.String(),
		"receiveMaxExtension": c.ReceiveMaxExtension.String(),
		"engineURL":           c.EngineURL,
		"engineTimeout":       c.EngineTimeout.String(),
		"stylesFile":          c.StylesFile,
		"inpaintPatchModel":   c.InpaintPatchModel,
	}
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		iv, err := strconv.Atoi(v)
		if err == nil {
			return iv
		}
		fmt.Printf("invalid int for %s: %s\n", key, v)
	}
	return def
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func projectIDFromCredentials(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	b, err := io.ReadAll(f)
	if err != nil {
		return "", err
	}
	var x struct {
		ProjectID string `json:"project_id"`
	}
	if err := json.Unmarshal(b, &x); err != nil {
		return "", nil
	}
	return x.ProjectID, nil
}

func getGoogleProjectID(credsFile string, explicit string) string {
	// 1) Prefer GOOGLE_APPLICATION_CREDENTIALS if set
	if p := strings.TrimSpace(os.Getenv("GOOGLE_APPLICATION_CREDENTIALS")); p != "" {
		log.Info().Str("credsFile", p).Msg("GOOGLE_APPLICATION_CREDENTIALS is set; extracting project_id from credentials file")
		if pid, err := projectIDFromCredentials(p); err == nil && pid != "" {
			return strings.TrimSpace(pid)
		}
		log.Warn().Str("credsFile", p).Msg("project_id not found in credentials file or unreadable")
	}

	// 2) Explicit override from worker env
	if explicit := strings.TrimSpace(explicit); explicit != "" {
		log.Info().Str("projectID", explicit).Msg("using WORKER_PUBSUB_PROJECT_ID for Google project")
		return explicit
	}

	// 3) External override
	if v := strings.TrimSpace(os.Getenv("GOOGLE_PROJECT_ID")); v != "" {
		log.Info().Str("projectID", v).Msg("using GOOGLE_PROJECT_ID from environment")
		return v
	}

	// 4) Common Google envs
	if v := firstNonEmpty(os.Getenv("GOOGLE_CLOUD_PROJECT"), os.Getenv("GCLOUD_PROJECT"), os.Getenv("GCP_PROJECT")); strings.TrimSpace(v) != "" {
		v = strings.TrimSpace(v)
		log.Info().Str("projectID", v).Msg("using Google project from common environment variables")
		return v
	}

	// 5) Fallback to provided credentials file path (WORKER_GSA_CREDENTIALS)
	if p := strings.TrimSpace(credsFile); p != "" {
		if pid, err := projectIDFromCredentials(p); err == nil && pid != "" {
			log.Info().Str("credsFile", p).Msg("using project_id from provided credentials file")
			return strings.TrimSpace(pid)
		}
	}
	return ""
}
