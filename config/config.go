/*
Copyright 2024 Roster Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package config

import (
	"encoding/json"
	"errors"
	"log"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/sirupsen/logrus"
)

const (
	DEFAULT_PORT = "5010"
)

var ConfigStore atomic.Value

type ServerConfig struct {
	SSL       bool   `json:"ssl" envconfig:"ROSTER_SERVER_SSL"`
	Secure    bool   `json:"secure" envconfig:"ROSTER_SERVER_SECURE"`
	SecretKey string `json:"secret_key" envconfig:"ROSTER_SERVER_SECRET_KEY"`
	Domain    string `json:"domain" envconfig:"ROSTER_SERVER_SSL_DOMAIN"`
	Email     string `json:"ssl_email" envconfig:"ROSTER_SERVER_SSL_EMAIL"`
	Port      string `json:"port" envconfig:"ROSTER_SERVER_PORT"`
}

type DataSourceConfig struct {
	Dns string `json:"dns" envconfig:"ROSTER_DATA_SOURCE_DNS"`
}

type RedisConfig struct {
	Dns           string `json:"dns" envconfig:"ROSTER_REDIS_DNS"`
	SkipTLSVerify bool   `json:"skip_tls_verify" envconfig:"ROSTER_REDIS_SKIP_TLS_VERIFY"`
}

type QueueConfig struct {
	TransferQueue  string `json:"transfer_queue" envconfig:"ROSTER_QUEUE_TRANSFER_QUEUE"`
	ExpiryQueue    string `json:"expiry_queue" envconfig:"ROSTER_QUEUE_EXPIRY_QUEUE"`
	Concurrency    int    `json:"concurrency" envconfig:"ROSTER_QUEUE_CONCURRENCY"`
	MonitoringPort string `json:"monitoring_port" envconfig:"ROSTER_QUEUE_MONITORING_PORT"`
}

// TransferConfig holds the saga tuning knobs. Zero values are replaced with defaults.
type TransferConfig struct {
	RollbackWindowHours int `json:"rollback_window_hours" envconfig:"ROSTER_TRANSFER_ROLLBACK_WINDOW_HOURS"`
	MaxAttempts         int `json:"max_attempts" envconfig:"ROSTER_TRANSFER_MAX_ATTEMPTS"`
	InitialBackoffMs    int `json:"initial_backoff_ms" envconfig:"ROSTER_TRANSFER_INITIAL_BACKOFF_MS"`
	MaxBackoffMs        int `json:"max_backoff_ms" envconfig:"ROSTER_TRANSFER_MAX_BACKOFF_MS"`
	StepTimeoutSec      int `json:"step_timeout_sec" envconfig:"ROSTER_TRANSFER_STEP_TIMEOUT_SEC"`
	LockTimeoutSec      int `json:"lock_timeout_sec" envconfig:"ROSTER_TRANSFER_LOCK_TIMEOUT_SEC"`
}

func (t TransferConfig) RollbackWindow() time.Duration {
	return time.Duration(t.RollbackWindowHours) * time.Hour
}

func (t TransferConfig) StepTimeout() time.Duration {
	return time.Duration(t.StepTimeoutSec) * time.Second
}

func (t TransferConfig) InitialBackoff() time.Duration {
	return time.Duration(t.InitialBackoffMs) * time.Millisecond
}

func (t TransferConfig) MaxBackoff() time.Duration {
	return time.Duration(t.MaxBackoffMs) * time.Millisecond
}

func (t TransferConfig) LockTimeout() time.Duration {
	return time.Duration(t.LockTimeoutSec) * time.Second
}

type StripeConfig struct {
	SecretKey  string `json:"secret_key" envconfig:"ROSTER_STRIPE_SECRET_KEY"`
	BaseUrl    string `json:"base_url" envconfig:"ROSTER_STRIPE_BASE_URL"`
	TimeoutSec int    `json:"timeout_sec" envconfig:"ROSTER_STRIPE_TIMEOUT_SEC"`
}

type MediaConfig struct {
	Bucket          string `json:"bucket" envconfig:"ROSTER_MEDIA_BUCKET"`
	Region          string `json:"region" envconfig:"ROSTER_MEDIA_REGION"`
	Endpoint        string `json:"endpoint" envconfig:"ROSTER_MEDIA_ENDPOINT"`
	AccessKeyId     string `json:"access_key_id" envconfig:"ROSTER_MEDIA_ACCESS_KEY_ID"`
	SecretAccessKey string `json:"secret_access_key" envconfig:"ROSTER_MEDIA_SECRET_ACCESS_KEY"`
}

type RateLimitConfig struct {
	RequestsPerSecond  *float64 `json:"requests_per_second" envconfig:"ROSTER_RATE_LIMIT_RPS"`
	Burst              *int     `json:"burst" envconfig:"ROSTER_RATE_LIMIT_BURST"`
	CleanupIntervalSec *int     `json:"cleanup_interval_sec" envconfig:"ROSTER_RATE_LIMIT_CLEANUP_INTERVAL_SEC"`
}

type SlackWebhook struct {
	WebhookUrl string `json:"webhook_url" envconfig:"ROSTER_SLACK_WEBHOOK_URL"`
}

type WebhookConfig struct {
	Url     string            `json:"url" envconfig:"ROSTER_WEBHOOK_URL"`
	Headers map[string]string `json:"headers"`
}

type Notification struct {
	Slack   SlackWebhook  `json:"slack"`
	Webhook WebhookConfig `json:"webhook"`
}

type TelemetryConfig struct {
	Enable     bool   `json:"enable" envconfig:"ROSTER_TELEMETRY_ENABLE"`
	PosthogKey string `json:"posthog_key" envconfig:"ROSTER_TELEMETRY_POSTHOG_KEY"`
}

type Configuration struct {
	ProjectName  string           `json:"project_name" envconfig:"ROSTER_PROJECT_NAME"`
	Server       ServerConfig     `json:"server"`
	DataSource   DataSourceConfig `json:"data_source"`
	Redis        RedisConfig      `json:"redis"`
	Queue        QueueConfig      `json:"queue"`
	Transfer     TransferConfig   `json:"transfer"`
	Stripe       StripeConfig     `json:"stripe"`
	Media        MediaConfig      `json:"media"`
	Notification Notification     `json:"notification"`
	RateLimit    RateLimitConfig  `json:"rate_limit"`
	Telemetry    TelemetryConfig  `json:"telemetry"`
}

func loadConfigFromFile(file string) error {
	var cnf Configuration
	_, err := os.Stat(file)
	if err == nil {
		f, err := os.Open(file)
		if err != nil {
			return err
		}
		defer f.Close()
		err = json.NewDecoder(f).Decode(&cnf)
		if err != nil {
			return err
		}

	} else if errors.Is(err, os.ErrNotExist) {
		log.Println("config json not passed, will use env variables")
	}

	// override config from environment variables
	err = envconfig.Process("roster", &cnf)
	if err != nil {
		return err
	}

	err = cnf.validateAndAddDefaults()
	if err != nil {
		return err
	}

	ConfigStore.Store(&cnf)
	return err
}

func InitConfig(configFile string) error {
	logger()
	return loadConfigFromFile(configFile)
}

func Fetch() (*Configuration, error) {
	config := ConfigStore.Load()
	c, ok := config.(*Configuration)
	if !ok {
		return nil, errors.New("config not loaded from file. Create a json file called roster.json with your config ❌")
	}
	return c, nil
}

func (cnf *Configuration) validateAndAddDefaults() error {
	if cnf.ProjectName == "" {
		log.Println("Warning: Project name is empty. Setting a default name.")
		cnf.ProjectName = "Roster Server"
	}

	if cnf.DataSource.Dns == "" {
		log.Println("Error: Data source DNS is empty. It's a required field.")
		return errors.New("data source DNS is required")
	}

	if cnf.Redis.Dns == "" {
		log.Println("Error: Redis DNS is empty. It's a required field.")
		return errors.New("redis DNS is required")
	}

	// Trim white spaces from fields
	cnf.ProjectName = strings.TrimSpace(cnf.ProjectName)
	cnf.Server.Port = strings.TrimSpace(cnf.Server.Port)
	cnf.DataSource.Dns = strings.TrimSpace(cnf.DataSource.Dns)
	cnf.Redis.Dns = strings.TrimSpace(cnf.Redis.Dns)

	if cnf.Server.Port == "" {
		cnf.Server.Port = DEFAULT_PORT
		log.Printf("Warning: Port not specified in config. Setting default port: %s", DEFAULT_PORT)
	}

	cnf.Queue.setDefaults()
	cnf.Transfer.setDefaults()

	if cnf.Stripe.BaseUrl == "" {
		cnf.Stripe.BaseUrl = "https://api.stripe.com"
	}
	if cnf.Stripe.TimeoutSec <= 0 {
		cnf.Stripe.TimeoutSec = 10
	}

	// Rate limiting is disabled by default (when both RPS and Burst are nil)
	if cnf.RateLimit.RequestsPerSecond != nil && cnf.RateLimit.Burst == nil {
		defaultBurst := 2 * int(*cnf.RateLimit.RequestsPerSecond)
		cnf.RateLimit.Burst = &defaultBurst
		log.Printf("Warning: Rate limit burst not specified. Setting default value: %d", defaultBurst)
	}
	if cnf.RateLimit.RequestsPerSecond == nil && cnf.RateLimit.Burst != nil {
		defaultRPS := float64(*cnf.RateLimit.Burst) / 2
		cnf.RateLimit.RequestsPerSecond = &defaultRPS
		log.Printf("Warning: Rate limit RPS not specified. Setting default value: %.2f", defaultRPS)
	}
	if cnf.RateLimit.CleanupIntervalSec == nil {
		defaultCleanup := 10800 // 3 hours in seconds
		cnf.RateLimit.CleanupIntervalSec = &defaultCleanup
	}

	return nil
}

func (q *QueueConfig) setDefaults() {
	if q.TransferQueue == "" {
		q.TransferQueue = "roster_transfers"
	}
	if q.ExpiryQueue == "" {
		q.ExpiryQueue = "roster_rollback_expiry"
	}
	if q.Concurrency <= 0 {
		q.Concurrency = 5
	}
	if q.MonitoringPort == "" {
		q.MonitoringPort = "5011"
	}
}

func (t *TransferConfig) setDefaults() {
	if t.RollbackWindowHours <= 0 {
		t.RollbackWindowHours = 72
	}
	if t.MaxAttempts <= 0 {
		t.MaxAttempts = 3
	}
	if t.InitialBackoffMs <= 0 {
		t.InitialBackoffMs = 200
	}
	if t.MaxBackoffMs <= 0 {
		t.MaxBackoffMs = 5000
	}
	if t.StepTimeoutSec <= 0 {
		t.StepTimeoutSec = 30
	}
	if t.LockTimeoutSec <= 0 {
		t.LockTimeoutSec = 30
	}
}

// MockConfig sets a mock configuration for testing purposes.
func MockConfig(mockConfig *Configuration) {
	ConfigStore.Store(mockConfig)
}

func logger() {
	logger := logrus.New()
	log.SetOutput(logger.Writer())
}
