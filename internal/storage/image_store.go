package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Лимит на размер скачиваемого исходного изображения.
const maxFetchBytes = 20 << 20

// ImageStore - порт blob-хранилища изображений.
type ImageStore interface {
	// Upload загружает данные по ключу и возвращает публичный URL объекта.
	Upload(ctx context.Context, key string, data []byte, contentType string) (string, error)
	// Fetch скачивает изображение по URL.
	Fetch(ctx context.Context, url string) ([]byte, error)
	// ObjectKey строит уникальный ключ объекта для (владелец, история, страница, назначение).
	ObjectKey(userID, storyID uuid.UUID, pageNumber int, purpose string) string
}

// Config - настройки S3/MinIO хранилища.
type Config struct {
	Region        string
	Bucket        string
	BaseEndpoint  string // для MinIO; пусто для настоящего S3
	PublicBaseURL string
	AccessKey     string
	SecretKey     string
}

type s3ImageStore struct {
	client     *s3.Client
	bucket     string
	publicBase string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewS3ImageStore создает хранилище изображений поверх S3-совместимого API.
func NewS3ImageStore(ctx context.Context, cfg Config, logger *zap.Logger) (ImageStore, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load s3 config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.BaseEndpoint != "" {
			o.BaseEndpoint = aws.String(cfg.BaseEndpoint)
			// MinIO не поддерживает virtual-hosted style
			o.UsePathStyle = true
		}
	})

	return &s3ImageStore{
		client:     client,
		bucket:     cfg.Bucket,
		publicBase: strings.TrimRight(cfg.PublicBaseURL, "/"),
		httpClient: &http.Client{Timeout: 60 * time.Second},
		logger:     logger.Named("image_store"),
	}, nil
}

func (s *s3ImageStore) Upload(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		s.logger.Error("Failed to upload object", zap.String("key", key), zap.Error(err))
		return "", fmt.Errorf("failed to upload object %s: %w", key, err)
	}
	url := fmt.Sprintf("%s/%s/%s", s.publicBase, s.bucket, key)
	s.logger.Debug("Object uploaded", zap.String("key", key), zap.Int("size", len(data)))
	return url, nil
}

func (s *s3ImageStore) Fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build fetch request: %w", err)
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch image %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d fetching image %s", resp.StatusCode, url)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBytes+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read image body: %w", err)
	}
	if len(data) > maxFetchBytes {
		return nil, fmt.Errorf("image %s exceeds size limit", url)
	}
	return data, nil
}

func (s *s3ImageStore) ObjectKey(userID, storyID uuid.UUID, pageNumber int, purpose string) string {
	return fmt.Sprintf("stories/%s/%s/page_%02d_%s_%d.jpg",
		userID.String(), storyID.String(), pageNumber, purpose, time.Now().UnixNano())
}
