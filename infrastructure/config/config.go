package config

import (
	"fmt"
	"os"
)

// Config holds all worker configuration, loaded from the environment.
type Config struct {
	Environment string
	AWSRegion   string

	// DynamoDB table names
	NotificationConfigTable string
	NotificationLogTable    string
	StudyTable              string
	SchemaTableMapTable     string
	TableMetaTable          string
	SurveyTablesTable       string
	UploadSchemaTable       string
	UploadSchemaStudyIndex  string
	WorkerLogTable          string

	// Warehouse service
	WarehouseEndpoint string
	WarehouseAPIKey   string

	// Comma-separated study IDs for the inventory pass
	StudyIDs string

	// Logging
	LogLevel string
}

// LoadConfig loads configuration from environment variables.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		AWSRegion:   getEnv("AWS_REGION", "us-east-1"),

		NotificationConfigTable: getEnv("NOTIFICATION_CONFIG_TABLE", "NotificationConfig"),
		NotificationLogTable:    getEnv("NOTIFICATION_LOG_TABLE", "NotificationLog"),
		StudyTable:              getEnv("STUDY_TABLE", "Study"),
		SchemaTableMapTable:     getEnv("SCHEMA_TABLE_MAP_TABLE", "SynapseTables"),
		TableMetaTable:          getEnv("TABLE_META_TABLE", "SynapseMetaTables"),
		SurveyTablesTable:       getEnv("SURVEY_TABLES_TABLE", "SynapseSurveyTables"),
		UploadSchemaTable:       getEnv("UPLOAD_SCHEMA_TABLE", "UploadSchema"),
		UploadSchemaStudyIndex:  getEnv("UPLOAD_SCHEMA_STUDY_INDEX", "studyId-index"),
		WorkerLogTable:          getEnv("WORKER_LOG_TABLE", "WorkerLog"),

		WarehouseEndpoint: getEnv("WAREHOUSE_ENDPOINT", ""),
		WarehouseAPIKey:   getEnv("WAREHOUSE_API_KEY", ""),
		StudyIDs:          getEnv("STUDY_IDS", ""),

		LogLevel: getEnv("LOG_LEVEL", "info"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that required configuration is present.
func (c *Config) Validate() error {
	if c.Environment == "production" {
		if c.WarehouseEndpoint == "" {
			return fmt.Errorf("WAREHOUSE_ENDPOINT is required in production")
		}
		if c.WarehouseAPIKey == "" {
			return fmt.Errorf("WAREHOUSE_API_KEY is required in production")
		}
	}
	return nil
}

// IsProduction checks if running in production mode.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// getEnv gets an environment variable with a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
