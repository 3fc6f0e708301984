package bootstrap

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/jackc/pgx/v5/pgxpool"

	appconfig "github.com/wolfman30/clinic-portal/internal/config"
	"github.com/wolfman30/clinic-portal/internal/events"
	"github.com/wolfman30/clinic-portal/internal/notify"
	"github.com/wolfman30/clinic-portal/internal/observability/metrics"
	"github.com/wolfman30/clinic-portal/internal/records"
	"github.com/wolfman30/clinic-portal/pkg/logging"
)

// BuildOutbox returns the task outbox and handler ledger. Without a pool both
// live in memory and tasks do not survive a restart.
func BuildOutbox(pool *pgxpool.Pool, lease time.Duration) (events.Outbox, events.Ledger) {
	if pool == nil {
		return events.NewMemoryOutbox().WithLease(lease), events.NewMemoryLedger()
	}
	return events.NewOutboxStore(pool).WithLease(lease), events.NewProcessedStore(pool)
}

// awsConfigLoader defers AWS setup until a component needs it.
type awsConfigLoader func() (sesClient *sesv2.Client, s3Client *s3.Client, err error)

func newAWSLoader(ctx context.Context, cfg *appconfig.Config) awsConfigLoader {
	return func() (*sesv2.Client, *s3.Client, error) {
		awsCfg, err := LoadAWSConfig(ctx, cfg)
		if err != nil {
			return nil, nil, fmt.Errorf("bootstrap: load aws config: %w", err)
		}
		pathStyle := cfg.AWSEndpointOverride != ""
		return sesv2.NewFromConfig(awsCfg), s3.NewFromConfig(awsCfg, func(o *s3.Options) {
			o.UsePathStyle = pathStyle
		}), nil
	}
}

// BuildEmailSender selects the provider named by EMAIL_PROVIDER. A provider
// missing its credentials degrades to the logging stub.
func BuildEmailSender(ctx context.Context, cfg *appconfig.Config, logger *logging.Logger) (notify.EmailSender, error) {
	if logger == nil {
		logger = logging.Default()
	}
	switch cfg.EmailProvider {
	case "sendgrid":
		if sender := notify.NewSendGridSender(notify.SendGridConfig{
			APIKey:    cfg.SendGridAPIKey,
			FromEmail: cfg.SendGridFromEmail,
			FromName:  cfg.SendGridFromName,
			Host:      cfg.SendGridAPIHost,
		}, logger); sender != nil {
			return sender, nil
		}
		logger.Warn("EMAIL_PROVIDER=sendgrid but SENDGRID_API_KEY empty; using stub sender")
	case "ses":
		if cfg.SESFromEmail == "" {
			logger.Warn("EMAIL_PROVIDER=ses but SES_FROM_EMAIL empty; using stub sender")
			break
		}
		sesClient, _, err := newAWSLoader(ctx, cfg)()
		if err != nil {
			return nil, err
		}
		return notify.NewSESSender(sesClient, notify.SESConfig{
			FromEmail: cfg.SESFromEmail,
			FromName:  cfg.SESFromName,
		}, logger), nil
	case "", "stub":
	default:
		return nil, fmt.Errorf("bootstrap: unknown EMAIL_PROVIDER %q", cfg.EmailProvider)
	}
	return notify.NewStubEmailSender(logger), nil
}

// BuildRecordsCreator returns the S3 handoff when RECORDS_BUCKET is set and
// the logging creator otherwise.
func BuildRecordsCreator(ctx context.Context, cfg *appconfig.Config, logger *logging.Logger) (records.Creator, error) {
	if logger == nil {
		logger = logging.Default()
	}
	if cfg.RecordsBucket == "" {
		return records.NewLoggingCreator(logger), nil
	}
	_, s3Client, err := newAWSLoader(ctx, cfg)()
	if err != nil {
		return nil, err
	}
	return records.NewS3Handoff(s3Client, cfg.RecordsBucket, "", logger), nil
}

// BuildDeliverer routes queued tasks to the mailer and the records handoff.
func BuildDeliverer(cfg *appconfig.Config, outbox events.Outbox, ledger events.Ledger, sender notify.EmailSender, creator records.Creator, m *metrics.AuthorityMetrics, logger *logging.Logger) *events.Deliverer {
	mailer := notify.NewAppointmentMailer(sender, ledger, logger)
	handoff := records.NewHandoff(creator, ledger, logger)

	router := events.NewRouter().
		Register(mailer, mailer.Types()...).
		Register(handoff, handoff.Types()...)

	return events.NewDeliverer(outbox, router, logger).
		WithInterval(cfg.OutboxInterval).
		WithBatchSize(int32(cfg.OutboxBatchSize)).
		WithMaxAttempts(cfg.OutboxMaxAttempts).
		WithBaseDelay(cfg.OutboxBaseDelay).
		WithMetrics(m)
}
