package main

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/wailsapp/wails/v2/pkg/runtime"
	"go.uber.org/zap"

	"livescribe/internal/bootstrap"
	"livescribe/internal/bridge"
	"livescribe/internal/config"
	"livescribe/internal/domain"
	"livescribe/internal/observe"
)

const shutdownTimeout = 5 * time.Second

type emitFunc func(ctx context.Context, eventName string, optionalData ...interface{})

// App is the Wails application root.
type App struct {
	ctx context.Context

	cfg      config.Config
	services bootstrap.Services
	ready    bool
	bootErr  error

	logger   *zap.Logger
	reporter *observe.Reporter
	emit     emitFunc
}

func NewApp(cfg config.Config, loadErr error, logger *zap.Logger, reporter *observe.Reporter) *App {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &App{
		cfg:      cfg,
		bootErr:  loadErr,
		logger:   logger,
		reporter: reporter,
		emit:     runtime.EventsEmit,
	}
}

func (a *App) startup(ctx context.Context) {
	a.ctx = ctx
	if a.bootErr != nil {
		a.Publish(domain.DebugMessage(fmt.Sprintf("startup failed: %v", a.bootErr)))
		return
	}

	services, err := bootstrap.BuildWithConfig(a.cfg, bootstrap.Options{
		Logger:   a.logger,
		Reporter: a.reporter,
	})
	if err != nil {
		a.bootErr = err
		a.logger.Error("startup failed", zap.Error(err))
		a.Publish(domain.DebugMessage(fmt.Sprintf("startup failed: %v", err)))
		return
	}

	a.services = services
	a.ready = true
	bridge.Attach(services.Client, a)
}

func (a *App) shutdown(_ context.Context) {
	if !a.ready {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := a.services.StopSession(ctx); err != nil {
		a.logger.Warn("session did not stop cleanly", zap.Error(err))
	}
}

// Publish emits a host message to the frontend.
func (a *App) Publish(msg domain.HostMessage) {
	if a.ctx == nil {
		return
	}
	a.emit(a.ctx, domain.HostMessageType, msg)
}

// StartTranscription captures the microphone and starts streaming.
func (a *App) StartTranscription() (domain.Status, error) {
	if err := a.requireReady(); err != nil {
		return domain.Status{}, err
	}
	return a.services.StartSession(a.ctx)
}

// StopTranscription ends the running session.
func (a *App) StopTranscription() (domain.Status, error) {
	if err := a.requireReady(); err != nil {
		return domain.Status{}, err
	}
	ctx, cancel := context.WithTimeout(a.ctx, shutdownTimeout)
	defer cancel()
	if err := a.services.StopSession(ctx); err != nil {
		return a.services.Status(), err
	}
	return a.services.Status(), nil
}

// GetStatus returns the current session status.
func (a *App) GetStatus() domain.Status {
	if a.bootErr != nil {
		return domain.Status{State: domain.SessionStateFailed, Message: a.bootErr.Error()}
	}
	if !a.ready {
		return domain.Status{State: domain.SessionStateIdle}
	}
	return a.services.Status()
}

// GetTranscript returns the final transcript text for download.
func (a *App) GetTranscript() string {
	if !a.ready {
		return ""
	}
	return a.services.Transcript()
}

// GetRuntimeInfo returns non-sensitive config for the UI.
func (a *App) GetRuntimeInfo() map[string]string {
	if a.bootErr != nil {
		return map[string]string{"error": a.bootErr.Error()}
	}

	return map[string]string{
		"provider":         "AssemblyAI",
		"endpoint":         a.cfg.AssemblyAI.RealtimeURL,
		"sampleRate":       strconv.Itoa(a.cfg.Audio.SampleRate),
		"audioInput":       a.cfg.Audio.InputDevice,
		"audioInputFormat": a.cfg.Audio.InputFormat,
		"maxReconnects":    strconv.Itoa(a.cfg.Session.MaxReconnectAttempts),
	}
}

func (a *App) requireReady() error {
	if a.bootErr != nil {
		return a.bootErr
	}
	if !a.ready {
		return fmt.Errorf("application is not initialized")
	}
	return nil
}
