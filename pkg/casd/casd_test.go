package casd

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cuemby/forge/pkg/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	log.Init(log.Config{Level: log.ErrorLevel})
	os.Exit(m.Run())
}

func TestRotateLogsKeepsAtMostMax(t *testing.T) {
	tests := []struct {
		name     string
		existing int
		expected int // files remaining after rotation, before the new log
	}{
		{name: "empty directory", existing: 0, expected: 0},
		{name: "below limit", existing: 5, expected: 5},
		{name: "at limit", existing: maxLogFiles, expected: maxLogFiles - 1},
		{name: "over limit", existing: maxLogFiles + 5, expected: maxLogFiles - 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logDir := t.TempDir()
			for i := 0; i < tt.existing; i++ {
				name := fmt.Sprintf("%d.000000.log", 1600000000+i)
				require.NoError(t, os.WriteFile(filepath.Join(logDir, name), nil, 0o644))
			}

			pm := &ProcessManager{
				cfg:       Config{LogDir: logDir},
				startTime: time.Now(),
			}

			logFile, err := pm.rotateLogs()
			require.NoError(t, err)
			assert.Equal(t, logDir, filepath.Dir(logFile))
			assert.True(t, filepath.Base(logFile) > "1600000000", "log name should sort after the old ones")

			entries, err := os.ReadDir(logDir)
			require.NoError(t, err)
			assert.Len(t, entries, tt.expected)
		})
	}
}

func TestRotateLogsDeletesOldestFirst(t *testing.T) {
	logDir := t.TempDir()
	for i := 0; i < maxLogFiles; i++ {
		name := fmt.Sprintf("%d.000000.log", 1600000000+i)
		require.NoError(t, os.WriteFile(filepath.Join(logDir, name), nil, 0o644))
	}

	pm := &ProcessManager{
		cfg:       Config{LogDir: logDir},
		startTime: time.Now(),
	}
	_, err := pm.rotateLogs()
	require.NoError(t, err)

	_, err = os.Stat(filepath.Join(logDir, "1600000000.000000.log"))
	assert.True(t, os.IsNotExist(err), "the oldest log should be gone")
	_, err = os.Stat(filepath.Join(logDir, fmt.Sprintf("%d.000000.log", 1600000001)))
	assert.NoError(t, err)
}

func TestRotateLogsCreatesMissingDirectory(t *testing.T) {
	logDir := filepath.Join(t.TempDir(), "logs", "casd")

	pm := &ProcessManager{
		cfg:       Config{LogDir: logDir},
		startTime: time.Now(),
	}
	logFile, err := pm.rotateLogs()
	require.NoError(t, err)

	info, err := os.Stat(logDir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
	assert.Equal(t, logDir, filepath.Dir(logFile))
}

func TestChannelTimesOutWithoutSocket(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), "casd.sock")

	// The startup budget is measured from process spawn; a spawn in the
	// distant past means the budget is already consumed
	ch := NewChannel(socketPath, "unix:"+socketPath, time.Now().Add(-time.Minute))

	_, err := ch.GetCAS()
	assert.ErrorIs(t, err, ErrStartTimeout)
	assert.True(t, ch.IsClosed())
}

func TestChannelConnectsLazily(t *testing.T) {
	dir := t.TempDir()
	socketPath := filepath.Join(dir, "casd.sock")
	require.NoError(t, os.WriteFile(socketPath, nil, 0o600))

	ch := NewChannel(socketPath, "unix:"+socketPath, time.Now())

	// Nothing is dialed until a stub is requested
	assert.True(t, ch.IsClosed())

	cas, err := ch.GetCAS()
	require.NoError(t, err)
	assert.NotNil(t, cas)
	assert.False(t, ch.IsClosed())

	bs, err := ch.GetByteStream()
	require.NoError(t, err)
	assert.NotNil(t, bs)

	conn, err := ch.Conn()
	require.NoError(t, err)
	assert.NotNil(t, conn)

	ch.Close()
	assert.True(t, ch.IsClosed())

	// Closing twice is fine
	ch.Close()
}
