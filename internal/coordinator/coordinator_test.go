package coordinator

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRefresh_KeepsDataOnFailure(t *testing.T) {
	var fail atomic.Bool
	var n atomic.Int32

	c := New("test", time.Hour, func(ctx context.Context) (int, error) {
		if fail.Load() {
			return 0, errors.New("offline")
		}
		return int(n.Add(1)), nil
	})

	var notified atomic.Int32
	c.AddListener(func() { notified.Add(1) })

	require.NoError(t, c.Refresh(context.Background()))
	assert.Equal(t, 1, c.Data())
	assert.True(t, c.LastUpdateSuccess())

	fail.Store(true)
	assert.Error(t, c.Refresh(context.Background()))
	assert.Equal(t, 1, c.Data())
	assert.False(t, c.LastUpdateSuccess())
	assert.EqualError(t, c.LastError(), "offline")

	fail.Store(false)
	require.NoError(t, c.Refresh(context.Background()))
	assert.Equal(t, 2, c.Data())
	assert.True(t, c.LastUpdateSuccess())
	assert.NoError(t, c.LastError())

	assert.Equal(t, int32(3), notified.Load())
}

func TestRefresh_WarnsOncePerOutage(t *testing.T) {
	var buf bytes.Buffer
	orig := log.Logger
	log.Logger = zerolog.New(&buf).Level(zerolog.InfoLevel)
	defer func() { log.Logger = orig }()

	c := New("bridge", time.Hour, func(ctx context.Context) (string, error) {
		return "", errors.New("timeout")
	})

	for i := 0; i < 3; i++ {
		_ = c.Refresh(context.Background())
	}

	assert.Equal(t, 1, strings.Count(buf.String(), "Error fetching data"))
}

func TestRun_RefreshesOnRequest(t *testing.T) {
	refreshed := make(chan struct{}, 10)
	c := New("test", time.Hour, func(ctx context.Context) (bool, error) {
		refreshed <- struct{}{}
		return true, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	waitFor := func() {
		select {
		case <-refreshed:
		case <-time.After(2 * time.Second):
			t.Fatal("refresh not observed")
		}
	}

	waitFor() // initial
	c.RequestRefresh()
	waitFor()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}
}
