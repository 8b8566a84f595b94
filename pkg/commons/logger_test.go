// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package commons

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewApplicationLogger_Defaults(t *testing.T) {
	logger, err := NewApplicationLogger()
	require.NoError(t, err)
	require.NotNil(t, logger)

	logger.Debugw("debug line", "key", "value")
	logger.Infof("info %d", 1)
	logger.Benchmark("TestNewApplicationLogger_Defaults", time.Millisecond)
}

func TestNewApplicationLogger_InvalidLevel(t *testing.T) {
	_, err := NewApplicationLogger(Level("loud"))
	assert.Error(t, err)
}

func TestNewApplicationLogger_WritesRotatedFile(t *testing.T) {
	dir := t.TempDir()
	logger, err := NewApplicationLogger(Name("call-api"), Path(dir), Level("info"))
	require.NoError(t, err)

	logger.With("callId", "c-1").Infow("call started", "role", "caller")
	logger.Debugw("filtered out by level")
	_ = logger.Sync()

	data, err := os.ReadFile(filepath.Join(dir, "call-api.log"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "call started")
	assert.Contains(t, string(data), "c-1")
	assert.NotContains(t, string(data), "filtered out by level")
}
