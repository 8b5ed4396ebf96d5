package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/loqalabs/voicesearch/internal/app"
	"github.com/loqalabs/voicesearch/internal/config"
	"github.com/loqalabs/voicesearch/internal/runtime"
)

func main() {
	var (
		configPath string
		logPath    string
	)
	flag.StringVar(&configPath, "config", "", "Path to configuration file (defaults when empty)")
	flag.StringVar(&logPath, "log", "voicesearch.log", "File that receives logs while the screen is open")
	flag.Parse()

	if err := run(configPath, logPath); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(configPath, logPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	// the terminal belongs to bubbletea, so logs go to a file
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	defer logFile.Close()
	logger := runtime.NewLogger(logFile, cfg.Telemetry.LogLevel, false)

	ctrl, err := runtime.OpenController(context.Background(), cfg, logger)
	if err != nil {
		return err
	}
	defer ctrl.Close()

	events, unsubscribe := app.Feed(ctrl)
	defer unsubscribe()

	p := tea.NewProgram(app.New(ctrl, events), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		return fmt.Errorf("run screen: %w", err)
	}
	return nil
}
