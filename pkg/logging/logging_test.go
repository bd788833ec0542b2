package logging

import (
	"bytes"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	log, err := New("debug")
	require.NoError(t, err)
	assert.Equal(t, logrus.DebugLevel, log.GetLevel())

	_, err = New("chatty")
	assert.Error(t, err)

	assert.NotNil(t, Logger)
	assert.Equal(t, logrus.ErrorLevel, Quiet().GetLevel())
}

func TestFields(t *testing.T) {
	var buf bytes.Buffer
	log := newLogger(&buf, logrus.InfoLevel)
	log.WithFields(logrus.Fields{"address": "0xe0a0000", "size": 16}).Info("Revoking IPUC")
	log.Debug("hidden")

	out := buf.String()
	assert.Contains(t, out, "address=0xe0a0000")
	assert.Contains(t, out, "size=16")
	assert.NotContains(t, out, "hidden")
}
