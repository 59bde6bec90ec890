package config

import (
	"os"
	"strconv"
)

type Config struct {
	Port            string
	Environment     string
	DatabasePath    string
	JWTSecret       string
	CORSOrigins     string
	MaxUploadSize   int64
	FileStoragePath string
	VAPIDPublicKey  string
	VAPIDPrivateKey string
}

func Load() *Config {
	return &Config{
		Port:            getEnv("PORT", "8080"),
		Environment:     getEnv("ENVIRONMENT", "development"),
		DatabasePath:    getEnv("DATABASE_PATH", "./data/wavelink.db"),
		JWTSecret:       getEnv("JWT_SECRET", "your-secret-key-change-in-production"),
		CORSOrigins:     getEnv("CORS_ORIGINS", "*"),
		MaxUploadSize:   parseInt64(getEnv("MAX_UPLOAD_SIZE", "10485760")), // 10MB default
		FileStoragePath: getEnv("FILE_STORAGE_PATH", "./data/uploads"),
		VAPIDPublicKey:  getEnv("VAPID_PUBLIC_KEY", ""),
		VAPIDPrivateKey: getEnv("VAPID_PRIVATE_KEY", ""),
	}
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func parseInt64(s string) int64 {
	val, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 10485760 // 10MB default
	}
	return val
}
