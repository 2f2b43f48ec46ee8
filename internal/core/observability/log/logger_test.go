package log

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]Level{
		"debug":   LevelDebug,
		"INFO":    LevelInfo,
		" warn ":  LevelWarn,
		"warning": LevelWarn,
		"error":   LevelError,
		"fatal":   LevelFatal,
		"bogus":   LevelInfo,
		"":        LevelInfo,
	}
	for in, want := range cases {
		assert.Equal(t, want, ParseLevel(in), in)
	}
}

func TestLoggerLevelIsShared(t *testing.T) {
	l := New(LevelInfo)
	child := l.With(String("component", "test"))

	l.SetLevel(LevelError)
	assert.Equal(t, LevelError, l.GetLevel())
	assert.Equal(t, LevelError, child.GetLevel())
}

func TestNopLoggerAcceptsAllFieldTypes(t *testing.T) {
	l := NewNop()
	assert.NotPanics(t, func() {
		l.Info("fields",
			Any("any", struct{}{}),
			Bool("bool", true),
			Duration("dur", time.Second),
			Float64("f", 1.5),
			Int("i", 1),
			Int64("i64", 2),
			String("s", "x"),
			Strings("ss", []string{"a"}),
			Time("t", time.Now()),
			Uint64("u", 3),
			Error(errors.New("boom")),
			Error(nil),
		)
	})
}

func TestOrProvide(t *testing.T) {
	assert.NotNil(t, OrProvide(nil))
	nop := NewNop()
	assert.Same(t, nop, OrProvide(nop))
}

func TestNewWithOptions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "master.log")
	l, err := NewWithOptions(Options{Level: LevelDebug, Format: "console", Outputs: []string{path}})
	require.NoError(t, err)

	l.With(String("component", "registry")).Debug("System registered", String("name", "slave-1"))
	require.NoError(t, l.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "System registered")
	assert.Contains(t, string(data), "slave-1")

	_, err = NewWithOptions(Options{Format: "xml"})
	assert.Error(t, err)
}
