package config

import (
	"github.com/spf13/viper"
)

// All settings come from environment variables so the agent and dashboard
// can be configured per-pod (or per-device for the agent) without files.

type Config struct {
	IsLocalDev bool `mapstructure:"IS_LOCAL_DEV"`

	// Dashboard HTTP API.
	DashboardPort string `mapstructure:"DASHBOARD_PORT"`
	// Agent localhost API the worker UI talks to.
	AgentPort string `mapstructure:"AGENT_PORT"`

	// Backend read replica used by the dashboard aggregator.
	DBHost     string `mapstructure:"DB_HOST"`
	DBPort     string `mapstructure:"DB_PORT"`
	DBUser     string `mapstructure:"DB_USER"`
	DBPassword string `mapstructure:"DB_PASSWORD"`
	DBName     string `mapstructure:"DB_NAME"`

	// Durable local queue location on the worker device.
	QueueDBPath string `mapstructure:"QUEUE_DB_PATH"`

	// Backend-as-a-service write endpoints and auth RPCs.
	BackendAPIURL string `mapstructure:"BACKEND_API_URL"`
	// Reachability probe target for the connectivity monitor.
	ProbeURL string `mapstructure:"PROBE_URL"`

	// Session snapshot for the single worker this agent runs for.
	OrganizationID string `mapstructure:"ORGANIZATION_ID"`
	UserID         string `mapstructure:"USER_ID"`
	AccessToken    string `mapstructure:"ACCESS_TOKEN"`

	AWSRegion       string `mapstructure:"AWS_REGION"`
	AWSEndpoint     string `mapstructure:"AWS_ENDPOINT"`
	FeedSQSQueueURL string `mapstructure:"FEED_SQS_QUEUE_URL"`

	// Supervisor alerting for delivered SOS signals. Empty sender disables it.
	AlertEmailFrom string `mapstructure:"ALERT_EMAIL_FROM"`
	AlertEmailTo   string `mapstructure:"ALERT_EMAIL_TO"`

	OTLPEndpoint string `mapstructure:"OTLP_ENDPOINT"`
}

// LoadConfig reads configuration from environment variables.
func LoadConfig() (config Config, err error) {
	viper.SetDefault("IS_LOCAL_DEV", false)
	viper.SetDefault("DASHBOARD_PORT", "8080")
	viper.SetDefault("AGENT_PORT", "8090")
	viper.SetDefault("DB_HOST", "db")
	viper.SetDefault("DB_PORT", "5432")
	viper.SetDefault("DB_USER", "user")
	viper.SetDefault("DB_PASSWORD", "password")
	viper.SetDefault("DB_NAME", "safeping_db")
	viper.SetDefault("QUEUE_DB_PATH", "safeping-queue.db")
	viper.SetDefault("BACKEND_API_URL", "http://localhost:8081")
	viper.SetDefault("PROBE_URL", "http://localhost:8081/health")
	viper.SetDefault("ORGANIZATION_ID", "org-local")
	viper.SetDefault("USER_ID", "worker-local")
	viper.SetDefault("ACCESS_TOKEN", "")
	viper.SetDefault("AWS_REGION", "us-east-1")
	viper.SetDefault("AWS_ENDPOINT", "http://localstack:4566")
	viper.SetDefault("FEED_SQS_QUEUE_URL", "http://localstack:4566/000000000000/checkin-feed-queue")
	viper.SetDefault("ALERT_EMAIL_FROM", "")
	viper.SetDefault("ALERT_EMAIL_TO", "")
	viper.SetDefault("OTLP_ENDPOINT", "jaeger:4317")

	// Read in environment variables that match the keys.
	viper.AutomaticEnv()

	err = viper.Unmarshal(&config)
	return
}
