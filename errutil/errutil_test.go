package errutil

import (
	"bytes"
	"errors"
	"testing"

	"github.com/decred/slog"
	"github.com/stretchr/testify/assert"
)

func TestLogError(t *testing.T) {
	var buf bytes.Buffer
	log := slog.NewBackend(&buf).Logger("TEST")
	log.SetLevel(slog.LevelTrace)

	LogError(log, "set volume", nil)
	assert.Zero(t, buf.Len(), "nil errors are not logged")

	LogError(log, "set volume", errors.New("no such entity"))
	assert.Contains(t, buf.String(), "[ERR] TEST: [set volume]: no such entity")

	buf.Reset()
	LogWarn(log, "set volume", "clamped %d to %d", 150, 100)
	assert.Contains(t, buf.String(), "[WRN] TEST: [set volume]: clamped 150 to 100")
}
