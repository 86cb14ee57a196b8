package objstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/onexay/modelhub/internal/apierr"
	"github.com/onexay/modelhub/internal/types"
)

// S3Parts drives native S3 multipart uploads: parts are uploaded through
// presigned UploadPart requests and stitched by CompleteMultipartUpload.
type S3Parts struct {
	Client     *s3.Client
	BucketName string
	presign    *s3.PresignClient
}

// NewS3Parts returns a driver for bucket.
func NewS3Parts(client *s3.Client, bucket string) *S3Parts {
	return &S3Parts{Client: client, BucketName: bucket, presign: s3.NewPresignClient(client)}
}

func (d *S3Parts) Name() string { return "s3" }

func (d *S3Parts) HashesContent() bool { return false }

func (d *S3Parts) Create(ctx context.Context, key, sessionID string) (string, error) {
	out, err := d.Client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket:      aws.String(d.BucketName),
		Key:         aws.String(key),
		ContentType: aws.String("application/octet-stream"),
		Metadata:    map[string]string{"upload-session": sessionID},
	})
	if err != nil {
		return "", err
	}
	return aws.ToString(out.UploadId), nil
}

func (d *S3Parts) PartURL(ctx context.Context, key string, s types.UploadSession, part int, expiry time.Duration) (string, error) {
	req, err := d.presign.PresignUploadPart(ctx, &s3.UploadPartInput{
		Bucket:     aws.String(d.BucketName),
		Key:        aws.String(key),
		UploadId:   aws.String(s.DriverID),
		PartNumber: aws.Int32(int32(part)),
	}, s3.WithPresignExpires(expiry))
	if err != nil {
		return "", err
	}
	return req.URL, nil
}

func (d *S3Parts) ListParts(ctx context.Context, key string, s types.UploadSession) ([]Part, error) {
	var parts []Part
	p := s3.NewListPartsPaginator(d.Client, &s3.ListPartsInput{
		Bucket:   aws.String(d.BucketName),
		Key:      aws.String(key),
		UploadId: aws.String(s.DriverID),
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, part := range page.Parts {
			parts = append(parts, Part{
				PartNumber: int(aws.ToInt32(part.PartNumber)),
				ETag:       aws.ToString(part.ETag),
			})
		}
	}
	return parts, nil
}

func (d *S3Parts) Complete(ctx context.Context, key string, s types.UploadSession, parts []Part) error {
	completed := make([]s3types.CompletedPart, 0, len(parts))
	for _, p := range parts {
		etag := p.ETag
		if !strings.HasPrefix(etag, `"`) {
			etag = `"` + etag + `"`
		}
		completed = append(completed, s3types.CompletedPart{
			ETag:       aws.String(etag),
			PartNumber: aws.Int32(int32(p.PartNumber)),
		})
	}
	_, err := d.Client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(d.BucketName),
		Key:             aws.String(key),
		UploadId:        aws.String(s.DriverID),
		MultipartUpload: &s3types.CompletedMultipartUpload{Parts: completed},
	})
	var invalid *s3types.NoSuchUpload
	if errors.As(err, &invalid) {
		return apierr.New(apierr.KindInvalidParts, "upload %s is no longer pending", s.ID).Wrap(err)
	}
	if err != nil && isInvalidPart(err) {
		return apierr.New(apierr.KindInvalidParts, "backend rejected parts of upload %s", s.ID).Wrap(err)
	}
	if err != nil {
		return fmt.Errorf("complete multipart %s: %w", s.ID, err)
	}
	return nil
}

func isInvalidPart(err error) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	switch apiErr.ErrorCode() {
	case "InvalidPart", "InvalidPartOrder", "EntityTooSmall":
		return true
	}
	return false
}
