package archive

import (
	"errors"
	"fmt"
	"time"

	"github.com/guildgate/guildgate/internal/pkg/env"
)

// Config holds S3 archive configuration. The archive keeps dead-lettered
// webhook deliveries and raw provider payloads for offline inspection.
type Config struct {
	AccessKeyID     string
	SecretAccessKey string
	Region          string
	BucketName      string
	EndpointURL     string // Optional for S3-compatible services
	Enabled         bool
}

// LoadConfig loads S3 archive configuration from environment variables.
func LoadConfig() (*Config, error) {
	config := &Config{
		AccessKeyID:     env.GetEnv("S3_ACCESS_KEY_ID", ""),
		SecretAccessKey: env.GetEnv("S3_SECRET_ACCESS_KEY", ""),
		Region:          env.GetEnv("S3_REGION", "us-west-001"),
		BucketName:      env.GetEnv("S3_BUCKET_NAME", ""),
		EndpointURL:     env.GetEnv("S3_ENDPOINT_URL", ""),
		Enabled:         env.GetEnv("S3_ARCHIVE_ENABLED", "false") == "true",
	}

	if config.Enabled {
		if config.AccessKeyID == "" {
			return nil, errors.New("S3_ACCESS_KEY_ID is required when the S3 archive is enabled")
		}
		if config.SecretAccessKey == "" {
			return nil, errors.New("S3_SECRET_ACCESS_KEY is required when the S3 archive is enabled")
		}
		if config.BucketName == "" {
			return nil, errors.New("S3_BUCKET_NAME is required when the S3 archive is enabled")
		}
	}

	return config, nil
}

// IsEnabled returns true if the S3 archive is enabled.
func (c *Config) IsEnabled() bool {
	return c.Enabled
}

// DeadLetterKey builds the object key for a dead-lettered delivery.
func (c *Config) DeadLetterKey(deliveryID uint, at time.Time) string {
	return fmt.Sprintf("dead-letters/%04d/%02d/delivery-%d.json", at.Year(), int(at.Month()), deliveryID)
}

// ProviderPayloadKey builds the object key for a raw provider payload.
func (c *Config) ProviderPayloadKey(provider string, eventID uint, at time.Time) string {
	return fmt.Sprintf("provider-events/%s/%04d/%02d/event-%d.json", provider, at.Year(), int(at.Month()), eventID)
}

// GetAppEnv returns the current application environment.
func GetAppEnv() string {
	return env.GetEnv("APP_ENV", "dev")
}

// GetBucketName returns the bucket name as configured.
func (c *Config) GetBucketName() string {
	return c.BucketName
}
