package records

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/wolfman30/clinic-portal/pkg/logging"
)

// S3API is the subset of the S3 client used by S3Handoff.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Handoff writes one JSON document per completed appointment. The key is
// derived from the appointment id so a redelivered task overwrites the same object.
type S3Handoff struct {
	client S3API
	bucket string
	prefix string
	logger *logging.Logger
}

func NewS3Handoff(client S3API, bucket, prefix string, logger *logging.Logger) *S3Handoff {
	if logger == nil {
		logger = logging.Default()
	}
	if prefix == "" {
		prefix = "medical-records/v1"
	}
	return &S3Handoff{client: client, bucket: bucket, prefix: prefix, logger: logger}
}

// Key returns the object key for rec.
func (h *S3Handoff) Key(rec MedicalRecord) string {
	return fmt.Sprintf("%s/clinic=%s/%s.json", h.prefix, rec.ClinicID, rec.AppointmentID)
}

func (h *S3Handoff) Create(ctx context.Context, rec MedicalRecord) error {
	if h.client == nil || h.bucket == "" {
		return fmt.Errorf("records: s3 handoff not configured")
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("records: marshal: %w", err)
	}
	key := h.Key(rec)
	_, err = h.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:               aws.String(h.bucket),
		Key:                  aws.String(key),
		Body:                 bytes.NewReader(data),
		ContentType:          aws.String("application/json"),
		ServerSideEncryption: s3types.ServerSideEncryptionAes256,
	})
	if err != nil {
		return fmt.Errorf("records: s3 put %s: %w", key, err)
	}
	h.logger.Info("medical record written", "appointment_id", rec.AppointmentID, "s3_key", key)
	return nil
}
