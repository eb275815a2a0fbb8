package main

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type brokenPipe struct{}

func (brokenPipe) Write([]byte) (int, error) { return 0, errors.New("broken pipe") }

func TestReportFatal(t *testing.T) {
	log, hook := test.NewNullLogger()

	var out bytes.Buffer
	reportFatal(&out, log, errors.New("review_threshold 2 outside [0,1]"))

	assert.JSONEq(t, `{"status":"error","message":"review_threshold 2 outside [0,1]","trace":"review_threshold 2 outside [0,1]"}`, out.String())
	assert.Empty(t, hook.AllEntries())
}

func TestReportFatal_WriteFailureIsLogged(t *testing.T) {
	log, hook := test.NewNullLogger()

	reportFatal(brokenPipe{}, log, errors.New("bad config"))

	entry := hook.LastEntry()
	require.NotNil(t, entry)
	assert.Equal(t, logrus.ErrorLevel, entry.Level)
	assert.Equal(t, "failed to report startup failure", entry.Message)
	assert.EqualError(t, entry.Data[logrus.ErrorKey].(error), "broken pipe")
}

func TestLoadConfig_FlagsWin(t *testing.T) {
	t.Setenv("MAD_MODEL_DIR", "/from/env")
	t.Setenv("MAD_REVIEW_THRESHOLD", "0.6")

	cfg, err := loadConfig("", filepath.Join(t.TempDir(), "missing.env"), "/from/flag", 0.9)
	require.NoError(t, err)
	assert.Equal(t, "/from/flag", cfg.ModelDir)
	assert.Equal(t, 0.9, cfg.ReviewThreshold)

	cfg, err = loadConfig("", "", "", -1)
	require.NoError(t, err)
	assert.Equal(t, "/from/env", cfg.ModelDir)
	assert.Equal(t, 0.6, cfg.ReviewThreshold)
}

func TestLoadConfig_Invalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "worker.yaml")
	require.NoError(t, os.WriteFile(path, []byte("review_threshold: 2\n"), 0o644))

	_, err := loadConfig(path, "", "", -1)
	assert.Error(t, err)
}
