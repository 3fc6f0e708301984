package bootstrap

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/clinic-portal/internal/appointments"
	"github.com/wolfman30/clinic-portal/internal/authority"
	appconfig "github.com/wolfman30/clinic-portal/internal/config"
	"github.com/wolfman30/clinic-portal/internal/eligibility"
	"github.com/wolfman30/clinic-portal/internal/events"
	"github.com/wolfman30/clinic-portal/internal/notify"
	"github.com/wolfman30/clinic-portal/internal/records"
	"github.com/wolfman30/clinic-portal/internal/signals"
	"github.com/wolfman30/clinic-portal/pkg/logging"
)

func TestBuildRedisClientDisabledWithoutAddr(t *testing.T) {
	assert.Nil(t, BuildRedisClient(context.Background(), &appconfig.Config{}, logging.Discard(), true))
	assert.Nil(t, BuildRedisClient(context.Background(), nil, logging.Discard(), false))
}

func TestBuildRedisClientVerifiesWithPing(t *testing.T) {
	mr := miniredis.RunT(t)
	client := BuildRedisClient(context.Background(), &appconfig.Config{RedisAddr: mr.Addr()}, logging.Discard(), true)
	require.NotNil(t, client)
	defer client.Close()

	assert.Nil(t, BuildRedisClient(context.Background(), &appconfig.Config{RedisAddr: "127.0.0.1:1"}, logging.Discard(), true))
}

func TestBuildSignalBus(t *testing.T) {
	bus, closeBus, err := BuildSignalBus(context.Background(), &appconfig.Config{SignalBus: "local"}, logging.Discard())
	require.NoError(t, err)
	defer closeBus()
	assert.IsType(t, &signals.LocalBus{}, bus)

	mr := miniredis.RunT(t)
	bus, closeRedis, err := BuildSignalBus(context.Background(), &appconfig.Config{SignalBus: "redis", RedisAddr: mr.Addr()}, logging.Discard())
	require.NoError(t, err)
	defer closeRedis()
	assert.IsType(t, &signals.RedisBus{}, bus)

	_, _, err = BuildSignalBus(context.Background(), &appconfig.Config{SignalBus: "redis"}, logging.Discard())
	assert.Error(t, err)

	_, _, err = BuildSignalBus(context.Background(), &appconfig.Config{SignalBus: "amqp"}, logging.Discard())
	assert.ErrorContains(t, err, "AMQP_URL")

	_, _, err = BuildSignalBus(context.Background(), &appconfig.Config{SignalBus: "kafka"}, logging.Discard())
	assert.ErrorContains(t, err, "unknown SIGNAL_BUS")
}

func TestConnectPostgresSkipsEmptyURL(t *testing.T) {
	pool, err := ConnectPostgres(context.Background(), " ", logging.Discard())
	require.NoError(t, err)
	assert.Nil(t, pool)

	assert.IsType(t, &authority.MemoryStore{}, BuildAuthorityStore(nil, logging.Discard()))

	outbox, ledger := BuildOutbox(nil, time.Minute)
	assert.IsType(t, &events.MemoryOutbox{}, outbox)
	assert.IsType(t, &events.MemoryLedger{}, ledger)
}

func TestBuildPolicy(t *testing.T) {
	gate, wf := BuildPolicy(&appconfig.Config{
		QuotaFree:             3,
		QuotaBasic:            7,
		LinkRequiredTypes:     []string{"Online", "fax"},
		AutoScheduleOnApprove: false,
	})

	var quota eligibility.ClinicQuota
	for _, r := range gate.Rules() {
		if q, ok := r.(eligibility.ClinicQuota); ok {
			quota = q
		}
	}
	limit, ok := quota.Ceilings.Limit(eligibility.TierFree)
	require.True(t, ok)
	assert.Equal(t, 3, limit)
	_, ok = quota.Ceilings.Limit(eligibility.TierPro)
	assert.False(t, ok)

	assert.True(t, wf.RequiresLink(appointments.BookingOnline))
	assert.False(t, wf.RequiresLink(appointments.BookingWalkIn))
	assert.False(t, wf.AutoSchedules())
}

func TestBuildEmailSender(t *testing.T) {
	sender, err := BuildEmailSender(context.Background(), &appconfig.Config{EmailProvider: "stub"}, logging.Discard())
	require.NoError(t, err)
	assert.IsType(t, &notify.StubEmailSender{}, sender)

	sender, err = BuildEmailSender(context.Background(), &appconfig.Config{EmailProvider: "sendgrid"}, logging.Discard())
	require.NoError(t, err)
	assert.IsType(t, &notify.StubEmailSender{}, sender, "missing api key degrades to stub")

	sender, err = BuildEmailSender(context.Background(), &appconfig.Config{EmailProvider: "sendgrid", SendGridAPIKey: "SG.test"}, logging.Discard())
	require.NoError(t, err)
	assert.IsType(t, &notify.SendGridSender{}, sender)

	sender, err = BuildEmailSender(context.Background(), &appconfig.Config{
		EmailProvider:      "ses",
		SESFromEmail:       "noreply@example.com",
		AWSRegion:          "us-east-1",
		AWSAccessKeyID:     "test",
		AWSSecretAccessKey: "test",
	}, logging.Discard())
	require.NoError(t, err)
	assert.IsType(t, &notify.SESSender{}, sender)

	_, err = BuildEmailSender(context.Background(), &appconfig.Config{EmailProvider: "pigeon"}, logging.Discard())
	assert.Error(t, err)
}

func TestBuildRecordsCreator(t *testing.T) {
	creator, err := BuildRecordsCreator(context.Background(), &appconfig.Config{}, logging.Discard())
	require.NoError(t, err)
	assert.IsType(t, &records.LoggingCreator{}, creator)

	creator, err = BuildRecordsCreator(context.Background(), &appconfig.Config{
		RecordsBucket:       "records",
		AWSRegion:           "us-east-1",
		AWSAccessKeyID:      "test",
		AWSSecretAccessKey:  "test",
		AWSEndpointOverride: "http://localhost:4566",
	}, logging.Discard())
	require.NoError(t, err)
	assert.IsType(t, &records.S3Handoff{}, creator)
}

func TestLoadAWSConfigUsesStaticCredentials(t *testing.T) {
	awsCfg, err := LoadAWSConfig(context.Background(), &appconfig.Config{
		AWSRegion:          "eu-west-1",
		AWSAccessKeyID:     "AKIDEXAMPLE",
		AWSSecretAccessKey: "secret",
	})
	require.NoError(t, err)
	assert.Equal(t, "eu-west-1", awsCfg.Region)

	creds, err := awsCfg.Credentials.Retrieve(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "AKIDEXAMPLE", creds.AccessKeyID)
}

func TestBuildDelivererRoutesTasks(t *testing.T) {
	cfg := &appconfig.Config{OutboxBatchSize: 10, OutboxMaxAttempts: 3}
	outbox, ledger := BuildOutbox(nil, time.Minute)
	d := BuildDeliverer(cfg, outbox, ledger, notify.NewStubEmailSender(logging.Discard()), records.NewLoggingCreator(logging.Discard()), nil, logging.Discard())
	require.NotNil(t, d)

	_, err := outbox.Insert(context.Background(), "appt-1", events.TypeAppointmentCompleted, events.AppointmentTransitionedV1{
		EventID:       "evt-1",
		AppointmentID: "appt-1",
		PatientID:     "patient-1",
		ClinicID:      "clinic-1",
		DoctorID:      "doctor-1",
	})
	require.NoError(t, err)

	assert.Equal(t, 1, d.Drain(context.Background()))
	done, err := ledger.AlreadyProcessed(context.Background(), "medical-records", "evt-1")
	require.NoError(t, err)
	assert.True(t, done)
}
