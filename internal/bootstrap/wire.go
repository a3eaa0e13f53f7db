package bootstrap

import (
	"context"

	"go.uber.org/zap"

	"livescribe/internal/audio"
	"livescribe/internal/config"
	"livescribe/internal/domain"
	"livescribe/internal/observe"
	"livescribe/internal/ports"
	"livescribe/internal/providers/assemblyai"
	"livescribe/internal/usecase"
)

// Services is the assembled runtime graph.
type Services struct {
	Client  *usecase.Client
	Session usecase.SessionConfig
	Config  config.Config
}

// Options carries the process-wide observability handles. Nil fields are
// replaced with no-op implementations.
type Options struct {
	Logger   *zap.Logger
	Metrics  *observe.Metrics
	Reporter *observe.Reporter
}

// Build loads configuration and wires all backend dependencies for the
// current runtime.
func Build(opts Options) (Services, error) {
	cfg, err := config.Load()
	if err != nil {
		return Services{}, err
	}
	return BuildWithConfig(cfg, opts)
}

// BuildWithConfig wires dependencies from an already loaded configuration.
func BuildWithConfig(cfg config.Config, opts Options) (Services, error) {
	if err := cfg.Validate(); err != nil {
		return Services{}, err
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	client := usecase.NewClient(
		audio.NewFFMPEGCapture(cfg.Audio.FFMPEGCommand),
		assemblyai.NewDialer(assemblyai.Config{}),
		usecase.WithLogger(logger),
		usecase.WithMetrics(opts.Metrics),
	)
	client.OnError(opts.Reporter.Report)

	return Services{
		Client:  client,
		Session: SessionConfig(cfg),
		Config:  cfg,
	}, nil
}

// StartSession starts a session with the configured settings.
func (s Services) StartSession(ctx context.Context) (domain.Status, error) {
	if _, err := s.Client.Start(ctx, s.Session); err != nil {
		return s.Client.Status(), err
	}
	return s.Client.Status(), nil
}

// StopSession stops the running session, if any.
func (s Services) StopSession(ctx context.Context) error {
	return s.Client.Stop(ctx)
}

// Status reports the client status.
func (s Services) Status() domain.Status {
	return s.Client.Status()
}

// Transcript returns the final text of the current or last session.
func (s Services) Transcript() string {
	return s.Client.Transcript()
}

// SessionConfig maps runtime configuration onto a session request.
func SessionConfig(cfg config.Config) usecase.SessionConfig {
	return usecase.SessionConfig{
		Endpoint:             cfg.AssemblyAI.RealtimeURL,
		SampleRate:           cfg.Audio.SampleRate,
		Credential:           cfg.AssemblyAI.APIKey,
		SliceInterval:        cfg.Audio.SliceInterval,
		MaxReconnectAttempts: cfg.Session.MaxReconnectAttempts,
		AuthTimeout:          cfg.Session.AuthTimeout,
		PendingFrames:        cfg.Session.PendingFrames,
		Backoff: usecase.BackoffPolicy{
			Initial:    cfg.Session.Backoff,
			Max:        cfg.Session.MaxBackoff,
			Multiplier: cfg.Session.BackoffMultiplier,
		},
		Audio: ports.AudioConfig{
			SampleRate:    cfg.Audio.SampleRate,
			Channels:      cfg.Audio.Channels,
			InputFormat:   cfg.Audio.InputFormat,
			InputDevice:   cfg.Audio.InputDevice,
			SliceInterval: cfg.Audio.SliceInterval,
		},
	}
}
