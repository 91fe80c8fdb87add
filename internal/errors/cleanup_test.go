package errors

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

type failingCloser struct{}

func (failingCloser) Close() error { return fmt.Errorf("close failed") }

type okCloser struct{ closed bool }

func (c *okCloser) Close() error { c.closed = true; return nil }

func TestDeferClose(t *testing.T) {
	t.Run("nil closer is a no-op", func(t *testing.T) {
		var buf bytes.Buffer
		logger := zerolog.New(&buf)
		DeferClose(logger, nil, "should not log")
		assert.Empty(t, buf.String())
	})

	t.Run("close error is logged", func(t *testing.T) {
		var buf bytes.Buffer
		logger := zerolog.New(&buf)
		DeferClose(logger, failingCloser{}, "socket close failed")
		assert.True(t, strings.Contains(buf.String(), "socket close failed"))
	})

	t.Run("successful close stays quiet", func(t *testing.T) {
		var buf bytes.Buffer
		logger := zerolog.New(&buf)
		c := &okCloser{}
		DeferClose(logger, c, "unused")
		assert.True(t, c.closed)
		assert.Empty(t, buf.String())
	})
}

func TestMust(t *testing.T) {
	assert.NotPanics(t, func() { Must(nil, "fine") })
	assert.Panics(t, func() { Must(io.EOF, "boom") })
}
