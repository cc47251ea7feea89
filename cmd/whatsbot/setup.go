package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"whatsbot/internal/config"
	"whatsbot/internal/models"
	"whatsbot/internal/notify"
	"whatsbot/internal/privacy"
	"whatsbot/internal/session"

	"github.com/sirupsen/logrus"
)

func newLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	return logger
}

// applyLogLevel sets the level from config. Verbose forces debug and turns
// off phone number masking; a configured level never goes below info otherwise.
func applyLogLevel(logger *logrus.Logger, level string, verbose bool) {
	privacy.SetVerbose(verbose)
	if verbose {
		logger.SetLevel(logrus.DebugLevel)
		return
	}
	if level == "" {
		logger.SetLevel(logrus.InfoLevel)
		return
	}
	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		logger.Warnf("Invalid log level %q, defaulting to info", level)
		logger.SetLevel(logrus.InfoLevel)
		return
	}
	if parsed > logrus.InfoLevel {
		parsed = logrus.InfoLevel
	}
	logger.SetLevel(parsed)
}

// loadConfig reads path when it exists. A missing file is only an error when
// the path was given explicitly; otherwise defaults and environment apply.
// The returned watcher is nil when no file was read or logger is nil.
func loadConfig(path string, explicit bool, logger *logrus.Logger) (*models.Config, *config.Watcher, error) {
	if _, err := os.Stat(path); err != nil {
		if explicit || !errors.Is(err, fs.ErrNotExist) {
			return nil, nil, fmt.Errorf("failed to load config: %w", err)
		}
		cfg, err := config.LoadConfig("")
		if err != nil {
			return nil, nil, fmt.Errorf("failed to load config: %w", err)
		}
		return cfg, nil, nil
	}

	if logger == nil {
		cfg, err := config.LoadConfig(path)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to load config: %w", err)
		}
		return cfg, nil, nil
	}
	w, err := config.NewWatcher(path, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	return w.Config(), w, nil
}

// buildNotifier fans notices out to every configured channel.
func buildNotifier(cfg models.NotifyConfig, registry *session.Registry, channels notify.ChannelSource, logger *logrus.Logger) notify.Notifier {
	var out notify.Multi
	if cfg.SMTP.Host != "" {
		out = append(out, notify.NewEmailNotifier(cfg, channels, logger))
	}
	if cfg.AdminNumber != "" {
		adminUser := digitsOnly(cfg.AdminNumber)
		lookup := func() (notify.TextSender, bool) {
			conn, ok := registry.Get(adminUser)
			if !ok || !conn.Alive() {
				return nil, false
			}
			return conn, true
		}
		out = append(out, notify.NewChatNotifier(lookup, cfg.AdminNumber, channels, logger))
	}
	if len(out) == 0 {
		logger.Warn("No notification channel configured; login codes and alerts will only be logged")
		return notify.Nop{}
	}
	return out
}

func digitsOnly(s string) string {
	out := make([]rune, 0, len(s))
	for _, r := range s {
		if r >= '0' && r <= '9' {
			out = append(out, r)
		}
	}
	return string(out)
}
