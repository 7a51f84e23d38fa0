package objstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3Client implements Client against an S3-compatible store using the
// AWS SDK. One instance serves one bucket.
type S3Client struct {
	client *s3.Client
	bucket string
}

// NewS3Client creates a store client for the given bucket.
func NewS3Client(client *s3.Client, bucket string) *S3Client {
	return &S3Client{
		client: client,
		bucket: bucket,
	}
}

// InitiateMultipart starts a multipart upload session.
func (s *S3Client) InitiateMultipart(ctx context.Context, path, contentType string) (string, error) {
	input := &s3.CreateMultipartUploadInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(path),
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}

	out, err := s.client.CreateMultipartUpload(ctx, input)
	if err != nil {
		return "", fmt.Errorf("create multipart upload: %w", err)
	}
	return aws.ToString(out.UploadId), nil
}

// UploadPart submits one part of a multipart upload.
func (s *S3Client) UploadPart(ctx context.Context, sessionID, path string, seq int, body io.Reader, length int64) (string, error) {
	out, err := s.client.UploadPart(ctx, &s3.UploadPartInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(path),
		UploadId:      aws.String(sessionID),
		PartNumber:    aws.Int32(int32(seq)),
		Body:          body,
		ContentLength: aws.Int64(length),
	})
	if err != nil {
		return "", fmt.Errorf("upload part %d: %w", seq, err)
	}
	return aws.ToString(out.ETag), nil
}

// CompleteMultipart finalizes the upload. Parts are sent ordered by
// sequence number regardless of the order they were uploaded in.
func (s *S3Client) CompleteMultipart(ctx context.Context, sessionID, path string, parts []CompletedPart) (Descriptor, error) {
	sorted := make([]CompletedPart, len(parts))
	copy(sorted, parts)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Seq < sorted[j].Seq })

	completed := make([]types.CompletedPart, 0, len(sorted))
	for _, p := range sorted {
		completed = append(completed, types.CompletedPart{
			PartNumber: aws.Int32(int32(p.Seq)),
			ETag:       aws.String(p.ETag),
		})
	}

	out, err := s.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:   aws.String(s.bucket),
		Key:      aws.String(path),
		UploadId: aws.String(sessionID),
		MultipartUpload: &types.CompletedMultipartUpload{
			Parts: completed,
		},
	})
	if err != nil {
		return Descriptor{}, fmt.Errorf("complete multipart upload: %w", err)
	}

	return Descriptor{
		Path:      path,
		ETag:      aws.ToString(out.ETag),
		VersionID: aws.ToString(out.VersionId),
	}, nil
}

// AbortMultipart discards all uploaded parts for the session.
func (s *S3Client) AbortMultipart(ctx context.Context, sessionID, path string) error {
	_, err := s.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(s.bucket),
		Key:      aws.String(path),
		UploadId: aws.String(sessionID),
	})
	if err != nil {
		return fmt.Errorf("abort multipart upload: %w", err)
	}
	return nil
}

// PutSingle stores a small object with a single request.
func (s *S3Client) PutSingle(ctx context.Context, path, contentType string, body io.Reader, length int64) (Descriptor, error) {
	input := &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(path),
		Body:          body,
		ContentLength: aws.Int64(length),
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}

	out, err := s.client.PutObject(ctx, input)
	if err != nil {
		return Descriptor{}, fmt.Errorf("put object: %w", err)
	}

	return Descriptor{
		Path:      path,
		ETag:      aws.ToString(out.ETag),
		VersionID: aws.ToString(out.VersionId),
		Size:      length,
	}, nil
}

// GetMetadata fetches object metadata via a HEAD request.
func (s *S3Client) GetMetadata(ctx context.Context, path string) (Info, error) {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(path),
	})
	if err != nil {
		var nf *types.NotFound
		if errors.As(err, &nf) {
			return Info{}, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return Info{}, fmt.Errorf("head object: %w", err)
	}

	return Info{
		VersionID:   aws.ToString(out.VersionId),
		Size:        aws.ToInt64(out.ContentLength),
		ContentType: aws.ToString(out.ContentType),
	}, nil
}

// Get fetches the full object body.
func (s *S3Client) Get(ctx context.Context, path string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(path),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, fmt.Errorf("get object: %w", err)
	}
	defer func() { _ = out.Body.Close() }()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("read object body: %w", err)
	}
	return data, nil
}
