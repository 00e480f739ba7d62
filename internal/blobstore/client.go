// Package blobstore stores published model archives in an S3-compatible
// bucket. Each published archive becomes one object; the object key doubles
// as the content identifier recorded in the on-chain registry.
package blobstore

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const archivePrefix = "ensembles/"

// Config holds bucket connection settings.
type Config struct {
	Endpoint  string
	Region    string
	Bucket    string
	AccessKey string
	SecretKey string
	Retain    int
}

// ArchiveInfo describes one stored archive.
type ArchiveInfo struct {
	CID       string    `json:"cid"`
	SizeBytes int64     `json:"size_bytes"`
	StoredAt  time.Time `json:"stored_at"`
}

// Client wraps the S3 API for archive storage.
type Client struct {
	s3client   *s3.Client
	uploader   *manager.Uploader
	downloader *manager.Downloader
	bucket     string
	retain     int
	log        zerolog.Logger
}

// New creates a blob store client. The endpoint may point at any
// S3-compatible service.
func New(ctx context.Context, cfg Config, log zerolog.Logger) (*Client, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("blob store bucket is required")
	}

	region := cfg.Region
	if region == "" {
		region = "auto"
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(region),
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load blob store credentials: %w", err)
	}

	s3client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = true
	})

	retain := cfg.Retain
	if retain <= 0 {
		retain = 5
	}

	return &Client{
		s3client:   s3client,
		uploader:   manager.NewUploader(s3client),
		downloader: manager.NewDownloader(s3client),
		bucket:     cfg.Bucket,
		retain:     retain,
		log:        log.With().Str("component", "blobstore").Logger(),
	}, nil
}

// Publish uploads an archive and returns its content identifier. Identifiers
// embed a sortable timestamp so listing newest-first is a key sort.
func (c *Client) Publish(ctx context.Context, archive []byte) (string, error) {
	cid := fmt.Sprintf("%s%s-%s.tar.gz",
		archivePrefix,
		time.Now().UTC().Format("20060102T150405"),
		uuid.New().String()[:8])

	_, err := c.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(c.bucket),
		Key:         aws.String(cid),
		Body:        bytes.NewReader(archive),
		ContentType: aws.String("application/gzip"),
	})
	if err != nil {
		return "", fmt.Errorf("archive upload failed: %w", err)
	}

	c.log.Info().
		Str("cid", cid).
		Int("size_bytes", len(archive)).
		Msg("Published model archive")

	return cid, nil
}

// Fetch downloads an archive by content identifier.
func (c *Client) Fetch(ctx context.Context, cid string) ([]byte, error) {
	buf := manager.NewWriteAtBuffer(nil)
	_, err := c.downloader.Download(ctx, buf, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(cid),
	})
	if err != nil {
		return nil, fmt.Errorf("archive download failed for %s: %w", cid, err)
	}
	return buf.Bytes(), nil
}

// List returns stored archives, newest first.
func (c *Client) List(ctx context.Context) ([]ArchiveInfo, error) {
	var archives []ArchiveInfo

	paginator := s3.NewListObjectsV2Paginator(c.s3client, &s3.ListObjectsV2Input{
		Bucket: aws.String(c.bucket),
		Prefix: aws.String(archivePrefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("archive listing failed: %w", err)
		}
		for _, obj := range page.Contents {
			if obj.Key == nil {
				continue
			}
			info := ArchiveInfo{CID: *obj.Key}
			if obj.Size != nil {
				info.SizeBytes = *obj.Size
			}
			if obj.LastModified != nil {
				info.StoredAt = *obj.LastModified
			}
			archives = append(archives, info)
		}
	}

	// Keys embed a UTC timestamp, so a reverse key sort is newest first.
	sort.Slice(archives, func(i, j int) bool {
		return strings.Compare(archives[i].CID, archives[j].CID) > 0
	})

	return archives, nil
}

// Rotate deletes all but the newest retained archives.
func (c *Client) Rotate(ctx context.Context) error {
	archives, err := c.List(ctx)
	if err != nil {
		return err
	}
	if len(archives) <= c.retain {
		return nil
	}

	for _, stale := range archives[c.retain:] {
		_, err := c.s3client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(c.bucket),
			Key:    aws.String(stale.CID),
		})
		if err != nil {
			return fmt.Errorf("failed to delete stale archive %s: %w", stale.CID, err)
		}
		c.log.Info().Str("cid", stale.CID).Msg("Deleted stale archive")
	}

	return nil
}
