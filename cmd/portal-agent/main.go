// Command portal-agent runs a headless portal session: it keeps the
// appointment list fresh and raises an alert for each new notification.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/wolfman30/clinic-portal/internal/authority"
	appconfig "github.com/wolfman30/clinic-portal/internal/config"
	httpmiddleware "github.com/wolfman30/clinic-portal/internal/http/middleware"
	"github.com/wolfman30/clinic-portal/internal/observability/metrics"
	"github.com/wolfman30/clinic-portal/internal/portal"
	"github.com/wolfman30/clinic-portal/pkg/logging"
)

var (
	flagRole     string
	flagSubject  string
	flagClinic   string
	flagNoSignal bool
)

func main() {
	flag.StringVar(&flagRole, "role", "clinic", "Identity role when minting a dev token: patient or clinic")
	flag.StringVar(&flagSubject, "subject", "", "Subject id when minting a dev token")
	flag.StringVar(&flagClinic, "clinic", "", "Clinic id when minting a clinic dev token")
	flag.BoolVar(&flagNoSignal, "no-signals", false, "Disable the push channel and rely on polling")
	flag.Parse()

	_ = godotenv.Load()
	cfg := appconfig.Load()
	logger := logging.New(cfg.LogLevel)

	token, err := sessionToken(cfg)
	if err != nil {
		logger.Error("no session token", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	mgr := portal.NewManager(sessionConfig(cfg, !flagNoSignal), portal.SessionDeps{
		Toaster: portal.NewLogToaster(logger),
		Sounder: portal.NewTerminalBell(os.Stderr),
		Metrics: metrics.NewSessionMetrics(prometheus.NewRegistry()),
		Logger:  logger,
	})
	session, err := mgr.Bind(ctx, token)
	if err != nil {
		logger.Error("bind session", "error", err)
		os.Exit(1)
	}
	logger.Info("portal agent running", "authority", cfg.AuthorityURL, "role", session.Identity.Role)

	<-ctx.Done()
	mgr.Logout()
	fmt.Println("portal agent stopped")
}

func sessionConfig(cfg *appconfig.Config, signals bool) portal.SessionConfig {
	return portal.SessionConfig{
		BaseURL:       cfg.AuthorityURL,
		PollInterval:  cfg.PollInterval,
		StartupGrace:  cfg.StartupGrace,
		DedupCapacity: cfg.DedupCapacity,
		Prefs: portal.Preferences{
			Toast:             cfg.ToastEnabled,
			Sound:             cfg.SoundEnabled,
			SoundOncePerBatch: cfg.SoundOncePerBatch,
		},
		Signals:            signals,
		SignalReconnectMax: cfg.SignalReconnectMax,
		LoadBackoffMax:     cfg.LoadBackoffMax,
	}
}

// sessionToken prefers SESSION_TOKEN and otherwise mints a short-lived dev
// token from JWT_SECRET and the identity flags.
func sessionToken(cfg *appconfig.Config) (string, error) {
	if tok := strings.TrimSpace(cfg.SessionToken); tok != "" {
		return tok, nil
	}
	if cfg.JWTSecret == "" {
		return "", errors.New("set SESSION_TOKEN, or JWT_SECRET with -subject to mint one")
	}
	id := authority.Identity{
		SubjectID: flagSubject,
		Role:      authority.Role(strings.ToLower(flagRole)),
		ClinicID:  flagClinic,
	}
	if !id.Valid() {
		return "", fmt.Errorf("identity flags do not describe a %s", flagRole)
	}
	return httpmiddleware.SignIdentityToken(cfg.JWTSecret, id, 12*time.Hour)
}
