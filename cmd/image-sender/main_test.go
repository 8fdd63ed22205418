package main

import (
	"context"
	"image"
	"image/png"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stillImage(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "still.png")
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, png.Encode(f, image.NewGray(image.Rect(0, 0, 8, 8))))
	return path
}

// closedPort returns a local port nothing listens on.
func closedPort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

func unreachable(t *testing.T, retries int) options {
	return options{
		server:         "127.0.0.1",
		port:           closedPort(t),
		path:           "/",
		video:          stillImage(t),
		alias:          "test",
		quality:        80,
		fps:            10,
		connectTimeout: 200 * time.Millisecond,
		backoffBase:    time.Millisecond,
		backoffMax:     5 * time.Millisecond,
		maxRetries:     retries,
	}
}

func TestStreamReportsGivingUp(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := stream(ctx, unreachable(t, 1), clock.New(), zerolog.Nop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max retries exceeded")
}

func TestStreamCancelIsCleanExit(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)

	assert.NoError(t, stream(ctx, unreachable(t, 0), clock.New(), zerolog.Nop()))
}

func TestRunRequiresVideo(t *testing.T) {
	assert.ErrorContains(t, run([]string{"--server", "127.0.0.1"}), "--video is required")
	assert.ErrorContains(t, run([]string{"--video", "x.png", "--quality", "0"}), "--quality")
}
