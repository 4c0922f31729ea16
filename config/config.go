// Package config はアプリケーション設定の読み込みを提供する。
package config

import (
	"os"
	"strconv"
)

// Config はアプリケーション設定を表す。
type Config struct {
	Port               string
	DatabaseURL        string
	CAPrivateKeyPath   string
	CACertificatePath  string
	APIToken           string
	KMSKeyName         string
	GoogleCloudProject string
	LogLevel           string
	OtelEnabled        bool
	OtelEndpoint       string
	OtelServiceName    string
	OtelSamplingRate   float64
}

// Load は環境変数から設定を読み込む。
func Load() *Config {
	samplingRate, err := strconv.ParseFloat(getEnv("OTEL_SAMPLING_RATE", "0.1"), 64)
	if err != nil {
		samplingRate = 0.1
	}

	return &Config{
		Port:               getEnv("PORT", "8080"),
		DatabaseURL:        os.Getenv("DATABASE_URL"),
		CAPrivateKeyPath:   getEnv("CA_PRIVATE_KEY_PATH", "ca/ca_private_key.pem"),
		CACertificatePath:  getEnv("CA_CERTIFICATE_PATH", "ca/ca_certificate.pem"),
		APIToken:           os.Getenv("API_TOKEN"),
		KMSKeyName:         os.Getenv("KMS_KEY_NAME"),
		GoogleCloudProject: os.Getenv("GOOGLE_CLOUD_PROJECT"),
		LogLevel:           getEnv("LOG_LEVEL", "INFO"),
		OtelEnabled:        getEnv("OTEL_ENABLED", "false") == "true",
		OtelEndpoint:       getEnv("OTEL_ENDPOINT", "localhost:4317"),
		OtelServiceName:    getEnv("OTEL_SERVICE_NAME", "device-auth-service"),
		OtelSamplingRate:   samplingRate,
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}
