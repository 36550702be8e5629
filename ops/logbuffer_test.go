package ops

import (
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogBufferRecentChronological(t *testing.T) {
	lb := NewLogBuffer(5)
	for i := 0; i < 3; i++ {
		lb.Add(LogEntry{Message: fmt.Sprintf("m%d", i), Time: time.Now()})
	}

	got := lb.Recent(10)
	require.Len(t, got, 3)
	assert.Equal(t, "m0", got[0].Message)
	assert.Equal(t, "m2", got[2].Message)
}

func TestLogBufferWrapsAround(t *testing.T) {
	lb := NewLogBuffer(3)
	for i := 0; i < 7; i++ {
		lb.Add(LogEntry{Message: fmt.Sprintf("m%d", i)})
	}

	got := lb.Recent(3)
	require.Len(t, got, 3)
	assert.Equal(t, "m4", got[0].Message)
	assert.Equal(t, "m6", got[2].Message)
}

func TestLogBufferRecentZero(t *testing.T) {
	lb := NewLogBuffer(3)
	assert.Nil(t, lb.Recent(2))
}

func TestTeeHandlerCopiesRecords(t *testing.T) {
	lb := NewLogBuffer(10)
	inner := slog.NewTextHandler(io.Discard, nil)
	logger := slog.New(NewTeeHandler(inner, lb))

	logger.Info("Condition touched", "id", "abc", "price", 103.5)
	logger.Warn("Shard backlog full")

	got := lb.Recent(10)
	require.Len(t, got, 2)
	assert.Equal(t, "Condition touched", got[0].Message)
	assert.Equal(t, "INFO", got[0].Level)
	assert.Contains(t, got[0].Attrs, "id=abc")
	assert.Equal(t, "WARN", got[1].Level)
}
