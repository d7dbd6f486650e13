// Package remote mirrors sealed slot containers to S3-compatible
// storage, for devices whose removable card is not enough off-site
// insurance.
package remote

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

type ObjectInfo struct {
	Size   int64
	Blake3 string
}

type Mirror struct {
	client   *s3.Client
	uploader *manager.Uploader
	bucket   string
	prefix   string
}

func NewMirror(ctx context.Context, bucket, region, prefix, endpoint string, maxRetryAttempts int) (*Mirror, error) {
	var configOpts []func(*awsconfig.LoadOptions) error
	configOpts = append(configOpts, awsconfig.WithRegion(region))

	if maxRetryAttempts > 0 {
		configOpts = append(configOpts,
			awsconfig.WithRetryMaxAttempts(maxRetryAttempts),
			awsconfig.WithRetryMode(aws.RetryModeStandard),
		)
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, configOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	if endpoint != "" {
		if accessKey := os.Getenv("AWS_ACCESS_KEY_ID"); accessKey != "" {
			if secretKey := os.Getenv("AWS_SECRET_ACCESS_KEY"); secretKey != "" {
				cfg.Credentials = credentials.NewStaticCredentialsProvider(accessKey, secretKey, "")
			}
		}
	}

	var client *s3.Client
	if endpoint != "" {
		client = s3.NewFromConfig(cfg, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		})
		slog.Info("Mirror client initialized with custom endpoint", "endpoint", endpoint)
	} else {
		client = s3.NewFromConfig(cfg)
	}

	uploader := manager.NewUploader(client, func(u *manager.Uploader) {
		u.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenSupported
	})

	return &Mirror{
		client:   client,
		uploader: uploader,
		bucket:   bucket,
		prefix:   prefix,
	}, nil
}

// SlotKey names a mirrored slot object for a device.
func SlotKey(deviceID, slotName string) string {
	return path.Join("devices", deviceID, slotName+".zip.age")
}

func (m *Mirror) key(remotePath string) string {
	return path.Join(m.prefix, remotePath)
}

// Push uploads a sealed container, recording its BLAKE3 hash and slot
// kind as object metadata.
func (m *Mirror) Push(ctx context.Context, localPath, remotePath, blake3Hash, slotKind string) error {
	file, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("failed to open sealed container: %w", err)
	}
	defer file.Close()

	key := m.key(remotePath)
	_, err = m.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:   aws.String(m.bucket),
		Key:      aws.String(key),
		Body:     file,
		Tagging:  aws.String("slot-kind=" + slotKind),
		Metadata: map[string]string{"blake3": blake3Hash},
	})
	if err != nil {
		return fmt.Errorf("failed to upload mirror object: %w", err)
	}

	slog.Info("Pushed sealed container", "bucket", m.bucket, "key", key, "slot", slotKind)
	return nil
}

// Pull downloads a sealed container.
func (m *Mirror) Pull(ctx context.Context, remotePath, localPath string) error {
	file, err := os.Create(localPath)
	if err != nil {
		return fmt.Errorf("failed to create local file: %w", err)
	}
	defer file.Close()

	downloader := manager.NewDownloader(m.client)
	numBytes, err := downloader.Download(ctx, file, &s3.GetObjectInput{
		Bucket: aws.String(m.bucket),
		Key:    aws.String(m.key(remotePath)),
	})
	if err != nil {
		return fmt.Errorf("failed to download mirror object: %w", err)
	}

	slog.Info("Pulled sealed container", "bucket", m.bucket, "key", m.key(remotePath), "bytes", numBytes)
	return nil
}

// Head returns the size and recorded hash of a mirrored object.
func (m *Mirror) Head(ctx context.Context, remotePath string) (*ObjectInfo, error) {
	key := m.key(remotePath)
	output, err := m.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(m.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to head object %s: %w", key, err)
	}

	info := &ObjectInfo{}
	if output.ContentLength != nil {
		info.Size = *output.ContentLength
	}
	if output.Metadata != nil {
		info.Blake3 = output.Metadata["blake3"]
	}
	return info, nil
}

// VerifyCredentials confirms the bucket is reachable before any slot
// leaves the device.
func (m *Mirror) VerifyCredentials(ctx context.Context) error {
	_, err := m.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(m.bucket),
	})
	if err != nil {
		return fmt.Errorf("failed to verify mirror credentials or bucket access: %w", err)
	}
	slog.Info("Mirror credentials verified", "bucket", m.bucket)
	return nil
}
