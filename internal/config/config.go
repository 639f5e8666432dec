package config

import (
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config содержит конфигурацию сервиса трансформации историй.
// Все эмпирические константы пайплайна (пороги, задержки, размеры батчей)
// вынесены сюда, чтобы их можно было перекалибровать без изменения кода.
type Config struct {
	// Настройки сервера
	Port     string `envconfig:"SERVER_PORT" default:"8080"`
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`

	// Настройки PostgreSQL
	DBHost     string `envconfig:"DB_HOST" required:"true"`
	DBPort     string `envconfig:"DB_PORT" default:"5432"`
	DBUser     string `envconfig:"DB_USER" required:"true"`
	DBName     string `envconfig:"DB_NAME" required:"true"`
	DBSSLMode  string `envconfig:"DB_SSL_MODE" default:"disable"`
	DBMaxConns int32  `envconfig:"DB_MAX_CONNECTIONS" default:"10"`
	// Секретное поле БЕЗ envconfig тега
	DBPassword string

	// Настройки Redis (флаги отмены и кэш прогресса)
	RedisAddr     string        `envconfig:"REDIS_ADDR" default:"localhost:6379"`
	RedisDB       int           `envconfig:"REDIS_DB" default:"0"`
	CancelFlagTTL time.Duration `envconfig:"CANCEL_FLAG_TTL" default:"24h"`

	// Настройки RabbitMQ
	RabbitMQURL        string `envconfig:"RABBITMQ_URL" required:"true"`
	TransformTaskQueue string `envconfig:"TRANSFORM_TASK_QUEUE" default:"story_transform_tasks"`
	PushGatewayURL     string `envconfig:"PUSHGATEWAY_URL" default:"http://localhost:9091"`

	// Настройки JWT (проверка токена пользователя в middleware)
	// Секретное поле БЕЗ envconfig тега
	JWTSecret string

	// Настройки AI-шлюза (OpenAI-совместимый API)
	AIBaseURL       string        `envconfig:"AI_BASE_URL" default:"https://api.openai.com/v1"`
	AIVisionModel   string        `envconfig:"AI_VISION_MODEL" default:"gpt-4o"`
	AIImageModel    string        `envconfig:"AI_IMAGE_MODEL" default:"gpt-image-1"`
	AITimeout       time.Duration `envconfig:"AI_TIMEOUT" default:"120s"`
	AIRatePerMinute int           `envconfig:"AI_RATE_PER_MINUTE" default:"20"`
	// Секретное поле БЕЗ envconfig тега
	AIAPIKey string

	// Настройки хранилища изображений (S3/MinIO)
	S3Region       string `envconfig:"S3_REGION" default:"us-east-1"`
	S3Bucket       string `envconfig:"S3_BUCKET" default:"storybook-images"`
	S3BaseEndpoint string `envconfig:"S3_BASE_ENDPOINT" default:""`
	S3PublicBase   string `envconfig:"S3_PUBLIC_BASE_URL" required:"true"`
	// Секретные поля БЕЗ envconfig тега
	S3AccessKey string
	S3SecretKey string

	// Границы входа Job Entry Point
	MaxPagesPerStory   int           `envconfig:"MAX_PAGES_PER_STORY" default:"15"`
	SyncThreshold      int           `envconfig:"SYNC_THRESHOLD" default:"3"`
	MaxRequestBytes    int64         `envconfig:"MAX_REQUEST_BYTES" default:"65536"`
	TrustedStorageHost string        `envconfig:"TRUSTED_STORAGE_HOST" required:"true"`
	SyncWaitTimeout    time.Duration `envconfig:"SYNC_WAIT_TIMEOUT" default:"10m"`

	// Политика ретраев (прогрессивная шкала + джиттер)
	RetrySchedule      []time.Duration `envconfig:"RETRY_SCHEDULE" default:"2s,5s,10s"`
	RetryJitterMax     time.Duration   `envconfig:"RETRY_JITTER_MAX" default:"1s"`
	StepMaxAttempts    int             `envconfig:"STEP_MAX_ATTEMPTS" default:"3"`
	GatewayMaxAttempts int             `envconfig:"GATEWAY_MAX_ATTEMPTS" default:"3"`

	// Circuit breaker вокруг AI-шлюза
	BreakerFailureThreshold int           `envconfig:"BREAKER_FAILURE_THRESHOLD" default:"5"`
	BreakerRecoveryTimeout  time.Duration `envconfig:"BREAKER_RECOVERY_TIMEOUT" default:"45s"`

	// Адаптивная задержка между страницами/батчами
	BaseInterPageDelay  time.Duration `envconfig:"BASE_INTER_PAGE_DELAY" default:"1s"`
	HealthySuccessRate  float64       `envconfig:"HEALTHY_SUCCESS_RATE" default:"0.8"`
	DelaySpeedUpFactor  float64       `envconfig:"DELAY_SPEED_UP_FACTOR" default:"0.8"`
	DelaySlowDownFactor float64       `envconfig:"DELAY_SLOW_DOWN_FACTOR" default:"1.2"`
	BatchSize           int           `envconfig:"BATCH_SIZE" default:"2"`

	// Стратегия обработки страницы: "edit" (анализ + правка изображения)
	// или "generate" (генерация только по промпту, путь gpt-image-1).
	PipelineStrategy string `envconfig:"PIPELINE_STRATEGY" default:"edit"`
	// Выводить ли дайджест персонажа отдельным vision-анализом страницы 1.
	DigestFromAnalysis bool `envconfig:"DIGEST_FROM_ANALYSIS" default:"true"`

	// Оптимизация исходных изображений
	ImageMaxEdge       int `envconfig:"IMAGE_MAX_EDGE" default:"1536"`
	ImageSkipBelowSize int `envconfig:"IMAGE_SKIP_BELOW_SIZE" default:"262144"`
	ImageJPEGQuality   int `envconfig:"IMAGE_JPEG_QUALITY" default:"88"`

	// Реапер зависших прогонов
	StaleRunThreshold time.Duration `envconfig:"STALE_RUN_THRESHOLD" default:"30m"`

	// Период опроса таблицы задач recovery-циклом
	RecoveryInterval time.Duration `envconfig:"RECOVERY_INTERVAL" default:"15s"`
}

// GetDSN возвращает строку подключения (DSN) для PostgreSQL.
func (c *Config) GetDSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.DBUser, c.DBPassword, c.DBHost, c.DBPort, c.DBName, c.DBSSLMode)
}

// ReadSecret читает секрет из файла в стандартном пути Docker Secrets,
// с fallback на одноимённую переменную окружения для локального запуска.
func ReadSecret(secretName string) (string, error) {
	filePath := fmt.Sprintf("/run/secrets/%s", secretName)
	secretBytes, err := os.ReadFile(filePath)
	if err == nil {
		secret := strings.TrimSpace(string(secretBytes))
		if secret == "" {
			return "", fmt.Errorf("secret file %s is empty", filePath)
		}
		return secret, nil
	}
	if envVal := strings.TrimSpace(os.Getenv(strings.ToUpper(secretName))); envVal != "" {
		return envVal, nil
	}
	return "", fmt.Errorf("failed to read secret %s (file %s missing and env empty)", secretName, filePath)
}

// LoadConfig загружает конфигурацию из переменных окружения и секретов.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("ошибка загрузки конфигурации storybook-server: %w", err)
	}

	var loadErr error
	if cfg.DBPassword, loadErr = ReadSecret("db_password"); loadErr != nil {
		return nil, loadErr
	}
	if cfg.JWTSecret, loadErr = ReadSecret("jwt_secret"); loadErr != nil {
		return nil, loadErr
	}
	if cfg.AIAPIKey, loadErr = ReadSecret("ai_api_key"); loadErr != nil {
		return nil, loadErr
	}
	if cfg.S3AccessKey, loadErr = ReadSecret("s3_access_key"); loadErr != nil {
		return nil, loadErr
	}
	if cfg.S3SecretKey, loadErr = ReadSecret("s3_secret_key"); loadErr != nil {
		return nil, loadErr
	}

	log.Printf("Конфигурация Storybook Server загружена:")
	log.Printf("  Port: %s", cfg.Port)
	log.Printf("  DB DSN: postgres://%s:***@%s:%s/%s?sslmode=%s", cfg.DBUser, cfg.DBHost, cfg.DBPort, cfg.DBName, cfg.DBSSLMode)
	log.Printf("  RabbitMQ URL: %s", cfg.RabbitMQURL)
	log.Printf("  Transform Task Queue: %s", cfg.TransformTaskQueue)
	log.Printf("  AI Base URL: %s (vision=%s, image=%s)", cfg.AIBaseURL, cfg.AIVisionModel, cfg.AIImageModel)
	log.Printf("  S3 Bucket: %s (endpoint=%s)", cfg.S3Bucket, cfg.S3BaseEndpoint)
	log.Printf("  Sync Threshold: %d, Max Pages: %d, Batch Size: %d", cfg.SyncThreshold, cfg.MaxPagesPerStory, cfg.BatchSize)
	log.Println("  Секреты: [ЗАГРУЖЕНЫ]")

	return &cfg, nil
}
