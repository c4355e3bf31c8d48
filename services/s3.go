package services

import (
	"context"
	"fmt"
	"log/slog"
	"mime"
	"os"
	"path"
	"path/filepath"

	"fileconverter/config"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/aws/aws-sdk-go/service/s3/s3manager/s3manageriface"
)

// S3Service mirrors completed artifacts into a bucket.
type S3Service struct {
	bucket   string
	prefix   string
	uploader s3manageriface.UploaderAPI
	logger   *slog.Logger
}

func NewS3Service(cfg *config.Config, logger *slog.Logger) (*S3Service, error) {
	awsCfg := &aws.Config{
		Region: aws.String(cfg.S3Region),
	}
	if cfg.AWSS3AccessKey != "" {
		awsCfg.Credentials = credentials.NewStaticCredentials(
			cfg.AWSS3AccessKey,
			cfg.AWSS3SecretKey,
			"",
		)
	}

	if cfg.S3Endpoint != "" {
		awsCfg.Endpoint = aws.String(cfg.S3Endpoint)
	}

	if cfg.S3UsePathStyle {
		awsCfg.S3ForcePathStyle = aws.Bool(true)
	}

	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create S3 session: %w", err)
	}

	return newS3Service(cfg.S3Bucket, cfg.S3Prefix, s3manager.NewUploader(sess), logger), nil
}

func newS3Service(bucket, prefix string, uploader s3manageriface.UploaderAPI, logger *slog.Logger) *S3Service {
	return &S3Service{
		bucket:   bucket,
		prefix:   prefix,
		uploader: uploader,
		logger:   logger.With(slog.String("component", "s3")),
	}
}

// Key is the object key an artifact named name is stored under.
func (s *S3Service) Key(name string) string {
	return path.Join(s.prefix, name)
}

// UploadArtifact copies the local file to the bucket and returns its key.
func (s *S3Service) UploadArtifact(ctx context.Context, localPath string) (string, error) {
	file, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	key := s.Key(filepath.Base(localPath))
	contentType := mime.TypeByExtension(filepath.Ext(localPath))
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	_, err = s.uploader.UploadWithContext(ctx, &s3manager.UploadInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        file,
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload to S3: %w", err)
	}

	s.logger.Debug("Artifact uploaded",
		slog.String("bucket", s.bucket),
		slog.String("key", key),
	)
	return key, nil
}
