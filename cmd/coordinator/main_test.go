package main

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
	"golang.org/x/sync/errgroup"

	"github.com/alanyang/agent-coordinator/internal/config"
	"github.com/alanyang/agent-coordinator/internal/mocks"
	porteventbus "github.com/alanyang/agent-coordinator/internal/port/eventbus"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{" WARN ", slog.LevelWarn},
		{"error", slog.LevelError},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseLevel(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := parseLevel("loud")
	assert.ErrorIs(t, err, config.ErrInvalid)
}

func TestRootCmd_RejectsMissingConfigFile(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetArgs([]string{"--config", "/nonexistent/coordinator.yaml"})
	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reading config")
}

func TestWatchBus_LossCancelsGroup(t *testing.T) {
	ctrl := gomock.NewController(t)
	bus := mocks.NewMockEventBus(ctrl)
	loss := porteventbus.NewLossSignal()
	bus.EXPECT().Lost().Return(loss.Lost())

	g, gctx := errgroup.WithContext(context.Background())
	g.Go(func() error { return watchBus(gctx, bus.Lost()) })
	stopped := make(chan struct{})
	g.Go(func() error {
		<-gctx.Done()
		close(stopped)
		return nil
	})

	loss.Report(errors.New("connection reset by peer"))
	loss.Report(errors.New("ignored"))

	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("bus loss did not cancel the group")
	}
	err := g.Wait()
	require.ErrorIs(t, err, porteventbus.ErrConnectionLost)
	assert.Contains(t, err.Error(), "connection reset by peer")
}

func TestWatchBus_ReturnsNilOnShutdown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NoError(t, watchBus(ctx, porteventbus.NewLossSignal().Lost()))
}
