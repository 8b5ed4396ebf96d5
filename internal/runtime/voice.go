package runtime

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/loqalabs/voicesearch/internal/audio"
	"github.com/loqalabs/voicesearch/internal/config"
	"github.com/loqalabs/voicesearch/internal/session"
	"github.com/loqalabs/voicesearch/internal/stt"
)

// OpenController assembles the capture device, recognizer and authorizer
// selected by cfg and starts a session controller over them.
func OpenController(ctx context.Context, cfg config.Config, logger *slog.Logger) (*session.Controller, error) {
	device, err := audio.Open(cfg.Audio)
	if err != nil {
		return nil, fmt.Errorf("open audio device: %w", err)
	}
	recognizer, err := stt.Open(cfg.STT)
	if err != nil {
		return nil, fmt.Errorf("open recognizer: %w", err)
	}
	status, err := session.ParseAuthorizationStatus(cfg.Authorization.Status)
	if err != nil {
		return nil, err
	}

	logger.Info("voice pipeline configured",
		slog.String("audio_mode", cfg.Audio.Mode),
		slog.String("stt_mode", cfg.STT.Mode),
		slog.String("locale", recognizer.Locale()),
		slog.Bool("recognizer_available", recognizer.Available()))

	return session.Open(ctx, session.OptionsFromConfig(cfg), session.Dependencies{
		Device:     device,
		Recognizer: recognizer,
		Authorizer: session.StaticAuthorizer(status),
	}, logger)
}
