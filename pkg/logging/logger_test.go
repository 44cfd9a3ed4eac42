package logging

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func TestNewLogger(t *testing.T) {
	logger := NewLogger()
	assert.NotNil(t, logger)
	assert.IsType(t, &logrus.JSONFormatter{}, logger.Formatter)
}

func TestNewLoggerWithService(t *testing.T) {
	logger := NewLoggerWithService("argus-test")
	assert.NotNil(t, logger)
}
