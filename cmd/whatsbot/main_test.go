package main

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"

	"whatsbot/internal/models"
	"whatsbot/internal/notify"
	"whatsbot/internal/privacy"
	"whatsbot/internal/session"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func TestApplyLogLevel(t *testing.T) {
	t.Cleanup(func() { privacy.SetVerbose(false) })

	tests := []struct {
		name    string
		level   string
		verbose bool
		want    logrus.Level
	}{
		{"default", "", false, logrus.InfoLevel},
		{"warn", "warn", false, logrus.WarnLevel},
		{"debug capped without verbose", "debug", false, logrus.InfoLevel},
		{"invalid", "chatty", false, logrus.InfoLevel},
		{"verbose wins", "error", true, logrus.DebugLevel},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := quietLogger()
			applyLogLevel(logger, tt.level, tt.verbose)
			assert.Equal(t, tt.want, logger.GetLevel())
		})
	}
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()

	t.Run("implicit missing file uses defaults", func(t *testing.T) {
		cfg, w, err := loadConfig(filepath.Join(dir, "absent.json"), false, quietLogger())
		require.NoError(t, err)
		assert.Nil(t, w)
		assert.Equal(t, "sqlite3", cfg.Database.Driver)
	})

	t.Run("explicit missing file fails", func(t *testing.T) {
		_, _, err := loadConfig(filepath.Join(dir, "absent.json"), true, quietLogger())
		assert.Error(t, err)
	})

	t.Run("file with watcher", func(t *testing.T) {
		path := filepath.Join(dir, "config.json")
		require.NoError(t, os.WriteFile(path, []byte(`{"server":{"port":9999},"database":{"dsn":"`+filepath.Join(dir, "bot.db")+`"}}`), 0o600))

		cfg, w, err := loadConfig(path, true, quietLogger())
		require.NoError(t, err)
		require.NotNil(t, w)
		assert.Equal(t, 9999, cfg.Server.Port)

		cfg, w, err = loadConfig(path, true, nil)
		require.NoError(t, err)
		assert.Nil(t, w)
		assert.Equal(t, 9999, cfg.Server.Port)
	})
}

func TestBuildNotifier(t *testing.T) {
	registry := session.NewRegistry()

	n := buildNotifier(models.NotifyConfig{}, registry, nil, quietLogger())
	assert.IsType(t, notify.Nop{}, n)

	n = buildNotifier(models.NotifyConfig{
		AdminNumber: "+1 555 000 1111",
		SMTP:        models.SMTPConfig{Host: "smtp.example.com", Port: 587, From: "bot@example.com"},
	}, registry, nil, quietLogger())
	multi, ok := n.(notify.Multi)
	require.True(t, ok)
	assert.Len(t, multi, 2)
}

func TestDigitsOnly(t *testing.T) {
	assert.Equal(t, "15550001111", digitsOnly("+1 (555) 000-1111"))
	assert.Equal(t, "", digitsOnly("none"))
}

func TestVersionCommand(t *testing.T) {
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version"})

	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "whatsbot dev")
}

func TestMigrateCommandRejectsUnknownDirection(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("WHATSBOT_DATABASE_DSN", filepath.Join(dir, "bot.db"))

	cmd := newRootCmd()
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	cmd.SetArgs([]string{"migrate", "sideways", "--config", filepath.Join(dir, "none.json")})
	assert.Error(t, cmd.Execute())
}

func TestMigrateCommandUp(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("WHATSBOT_DATABASE_DSN", filepath.Join(dir, "bot.db"))

	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"migrate", "up", "--config", filepath.Join(dir, "absent.json")})
	// explicit --config that does not exist is an error
	assert.Error(t, cmd.Execute())

	// the default config.json is absent, so defaults plus environment apply
	cmd = newRootCmd()
	out.Reset()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"migrate", "up"})
	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "migrate up: done")
}
