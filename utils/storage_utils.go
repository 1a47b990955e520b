package utils

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
)

// ReceiptArchive keeps raw store receipts in an S3-compatible bucket for
// billing-dispute audits. Objects are private; only support tooling reads
// them.
type ReceiptArchive struct {
	client *s3.S3
	bucket string
}

// NewReceiptArchive reads S3 settings from the environment. Returns nil when
// archiving is not configured, which callers treat as "archive disabled".
func NewReceiptArchive() *ReceiptArchive {
	accessKey := os.Getenv("S3_ACCESS_KEY")
	secretKey := os.Getenv("S3_SECRET_KEY")
	bucket := os.Getenv("S3_RECEIPT_BUCKET")
	endpoint := os.Getenv("S3_ENDPOINT")
	region := os.Getenv("S3_REGION")
	if accessKey == "" || secretKey == "" || bucket == "" {
		return nil
	}
	if region == "" {
		region = "us-east-1"
	}

	sess := session.Must(session.NewSession(&aws.Config{
		Region:      aws.String(region),
		Endpoint:    aws.String(endpoint),
		Credentials: credentials.NewStaticCredentials(accessKey, secretKey, ""),
	}))
	return &ReceiptArchive{client: s3.New(sess), bucket: bucket}
}

// ArchiveReceipt stores one raw receipt payload under a per-user prefix.
func (a *ReceiptArchive) ArchiveReceipt(ctx context.Context, userID int, transactionID, payload string) error {
	key := fmt.Sprintf("receipts/%d/%s-%d.json", userID, transactionID, time.Now().Unix())

	_, err := a.client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(a.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader([]byte(payload)),
		ContentLength: aws.Int64(int64(len(payload))),
		ContentType:   aws.String("application/json"),
		ACL:           aws.String("private"),
	})
	if err != nil {
		return fmt.Errorf("unable to upload receipt to S3: %v", err)
	}
	return nil
}
