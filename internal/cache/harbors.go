package cache

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog/log"

	"github.com/marees-france/mareesd/internal/models"
)

// S3Client defines the interface for S3 operations we need
type S3Client interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

const harborsCacheKey = "harbors.json"

// HarborCache caches the SHOM harbor directory in S3. The directory changes
// rarely, so a long TTL keeps the WFS endpoint mostly untouched.
type HarborCache struct {
	client     S3Client
	bucketName string
	ttl        time.Duration
	clock      clock
}

// HarborListCacheRecord is the cached directory with metadata.
type HarborListCacheRecord struct {
	Harbors     []models.Harbor `json:"harbors"`
	LastUpdated int64           `json:"lastUpdated"`
	TTL         int64           `json:"ttl"`
}

func NewHarborCache(client S3Client, bucketName string, ttl time.Duration) *HarborCache {
	return &HarborCache{
		client:     client,
		bucketName: bucketName,
		ttl:        ttl,
		clock:      realClock{},
	}
}

// GetHarbors retrieves the directory from S3 if present and unexpired.
// A missing object is not an error; callers fall back to the WFS fetch.
func (c *HarborCache) GetHarbors(ctx context.Context) ([]models.Harbor, error) {
	if c.bucketName == "" {
		return nil, fmt.Errorf("empty bucket name")
	}

	result, err := c.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucketName),
		Key:    aws.String(harborsCacheKey),
	})
	if err != nil {
		return nil, nil
	}
	defer func(body io.ReadCloser) {
		if closeErr := body.Close(); closeErr != nil {
			log.Error().Err(closeErr).Msg("Error closing S3 object body")
		}
	}(result.Body)

	var record HarborListCacheRecord
	if err := json.NewDecoder(result.Body).Decode(&record); err != nil {
		return nil, fmt.Errorf("decoding harbor cache record: %w", err)
	}

	if c.clock.Now().Unix() > record.TTL {
		log.Debug().Msg("Harbor directory cache expired")
		return nil, nil
	}

	return record.Harbors, nil
}

// SaveHarbors writes the directory to S3 with a fresh TTL stamp.
func (c *HarborCache) SaveHarbors(ctx context.Context, harbors []models.Harbor) error {
	if c.bucketName == "" {
		return fmt.Errorf("empty bucket name")
	}

	now := c.clock.Now().Unix()
	record := HarborListCacheRecord{
		Harbors:     harbors,
		LastUpdated: now,
		TTL:         now + int64(c.ttl.Seconds()),
	}

	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(record); err != nil {
		return fmt.Errorf("encoding harbor cache record: %w", err)
	}

	if _, err := c.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(c.bucketName),
		Key:    aws.String(harborsCacheKey),
		Body:   bytes.NewReader(buf.Bytes()),
	}); err != nil {
		return fmt.Errorf("saving to S3: %w", err)
	}

	log.Debug().Int("harbor_count", len(harbors)).Msg("Saved harbor directory to S3 cache")
	return nil
}
