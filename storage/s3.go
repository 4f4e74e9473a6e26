package storage

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	pkgerrors "github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/pulsecheckpoint/runtime/metrics"
)

const minPartSize = 5 * 1024 * 1024

// S3Store persists payloads to an S3-compatible object store. Payloads
// at or above the multipart threshold are written with multipart
// upload; a failed multipart upload is aborted before the error is
// returned so no orphaned parts are left behind.
type S3Store struct {
	client             S3API
	bucket             string
	prefix             string
	multipartThreshold int64
	partSize           int64
	logger             *zap.Logger
}

type S3StoreConfig struct {
	Bucket             string
	PathPrefix         string
	MultipartThreshold int64
	PartSize           int64
}

func NewS3Store(client S3API, cfg S3StoreConfig, logger *zap.Logger) *S3Store {
	partSize := cfg.PartSize
	if partSize < minPartSize {
		partSize = minPartSize
	}
	threshold := cfg.MultipartThreshold
	if threshold <= 0 {
		threshold = 64 * 1024 * 1024
	}
	return &S3Store{
		client:             client,
		bucket:             cfg.Bucket,
		prefix:             strings.Trim(cfg.PathPrefix, "/"),
		multipartThreshold: threshold,
		partSize:           partSize,
		logger:             logger.Named("s3store").With(zap.String("bucket", cfg.Bucket)),
	}
}

func (s *S3Store) fullKey(key string) string {
	if s.prefix == "" {
		return key
	}
	return s.prefix + "/" + key
}

func (s *S3Store) Put(ctx context.Context, key string, data []byte) error {
	k := s.fullKey(key)
	done := instrument("put")

	if int64(len(data)) >= s.multipartThreshold {
		err := s.putMultipart(ctx, k, data)
		done(err)
		return err
	}

	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(k),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		err = mapS3Error(err)
		s.logger.Error("failed to put object", zap.String("key", k), zap.Error(err))
		done(err)
		return err
	}

	s.logger.Debug("object written", zap.String("key", k), zap.Int("size", len(data)))
	done(nil)
	return nil
}

func (s *S3Store) putMultipart(ctx context.Context, key string, data []byte) error {
	create, err := s.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return mapS3Error(err)
	}
	uploadID := create.UploadId

	var parts []types.CompletedPart
	partNumber := int32(0)
	for offset := int64(0); offset < int64(len(data)); offset += s.partSize {
		partNumber++
		end := offset + s.partSize
		if end > int64(len(data)) {
			end = int64(len(data))
		}

		out, err := s.client.UploadPart(ctx, &s3.UploadPartInput{
			Bucket:     aws.String(s.bucket),
			Key:        aws.String(key),
			UploadId:   uploadID,
			PartNumber: aws.Int32(partNumber),
			Body:       bytes.NewReader(data[offset:end]),
		})
		if err != nil {
			s.abortMultipart(key, uploadID)
			return pkgerrors.Wrapf(mapS3Error(err), "upload part %d", partNumber)
		}
		parts = append(parts, types.CompletedPart{
			ETag:       out.ETag,
			PartNumber: aws.Int32(partNumber),
		})
	}

	_, err = s.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:   aws.String(s.bucket),
		Key:      aws.String(key),
		UploadId: uploadID,
		MultipartUpload: &types.CompletedMultipartUpload{
			Parts: parts,
		},
	})
	if err != nil {
		s.abortMultipart(key, uploadID)
		return mapS3Error(err)
	}

	s.logger.Debug("multipart upload complete",
		zap.String("key", key),
		zap.Int("size", len(data)),
		zap.Int32("parts", partNumber))
	return nil
}

// abortMultipart rolls back an in-progress multipart upload. It runs
// on its own context so the rollback still happens when the caller's
// context is the reason the upload failed.
func (s *S3Store) abortMultipart(key string, uploadID *string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	_, err := s.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(s.bucket),
		Key:      aws.String(key),
		UploadId: uploadID,
	})
	if err != nil {
		s.logger.Error("failed to abort multipart upload", zap.String("key", key), zap.Error(err))
		return
	}
	s.logger.Info("aborted multipart upload", zap.String("key", key))
}

func (s *S3Store) Get(ctx context.Context, key string) ([]byte, error) {
	k := s.fullKey(key)
	done := instrument("get")

	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(k),
	})
	if err != nil {
		err = mapS3Error(err)
		done(err)
		return nil, err
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		done(err)
		return nil, pkgerrors.Wrap(err, "read object body")
	}
	done(nil)
	return data, nil
}

func (s *S3Store) Delete(ctx context.Context, key string) error {
	k := s.fullKey(key)
	done := instrument("delete")

	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(k),
	})
	if err != nil {
		err = mapS3Error(err)
		done(err)
		return err
	}
	done(nil)
	return nil
}

func (s *S3Store) Exists(ctx context.Context, key string) (bool, error) {
	k := s.fullKey(key)
	done := instrument("exists")

	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(k),
	})
	if err != nil {
		if errors.Is(mapS3Error(err), ErrObjectNotFound) {
			done(nil)
			return false, nil
		}
		err = mapS3Error(err)
		done(err)
		return false, err
	}
	done(nil)
	return true, nil
}

func (s *S3Store) List(ctx context.Context, prefix string) ([]string, error) {
	p := s.fullKey(prefix)
	done := instrument("list")

	var keys []string
	var continuationToken *string
	for {
		out, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(s.bucket),
			Prefix:            aws.String(p),
			ContinuationToken: continuationToken,
		})
		if err != nil {
			err = mapS3Error(err)
			done(err)
			return nil, err
		}
		for _, obj := range out.Contents {
			if obj.Key != nil {
				keys = append(keys, strings.TrimPrefix(strings.TrimPrefix(*obj.Key, s.prefix), "/"))
			}
		}
		if out.IsTruncated != nil && *out.IsTruncated {
			continuationToken = out.NextContinuationToken
		} else {
			break
		}
	}
	done(nil)
	return keys, nil
}

func (s *S3Store) Head(ctx context.Context, key string) (*ObjectInfo, error) {
	k := s.fullKey(key)
	done := instrument("head")

	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(k),
	})
	if err != nil {
		err = mapS3Error(err)
		done(err)
		return nil, err
	}
	done(nil)

	info := &ObjectInfo{
		Key:  key,
		Size: aws.ToInt64(out.ContentLength),
		ETag: aws.ToString(out.ETag),
	}
	if out.LastModified != nil {
		info.LastModified = *out.LastModified
	}
	return info, nil
}

// fatalS3Codes are error codes that no amount of retrying can fix.
var fatalS3Codes = map[string]struct{}{
	"AccessDenied":                 {},
	"InvalidAccessKeyId":           {},
	"SignatureDoesNotMatch":        {},
	"ExpiredToken":                 {},
	"NoSuchBucket":                 {},
	"MalformedXML":                 {},
	"InvalidArgument":              {},
	"InvalidRequest":               {},
	"EntityTooLarge":               {},
	"AuthorizationHeaderMalformed": {},
}

func mapS3Error(err error) error {
	var noKey *types.NoSuchKey
	if errors.As(err, &noKey) {
		return ErrObjectNotFound
	}
	var notFound *types.NotFound
	if errors.As(err, &notFound) {
		return ErrObjectNotFound
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		if _, fatal := fatalS3Codes[apiErr.ErrorCode()]; fatal {
			return Fatal(err)
		}
	}
	return err
}

func instrument(operation string) func(error) {
	start := time.Now()
	return func(err error) {
		status := "success"
		if err != nil {
			status = "error"
		}
		metrics.StorageRequestsTotal.WithLabelValues(operation, status).Inc()
		metrics.StorageRequestDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
	}
}
