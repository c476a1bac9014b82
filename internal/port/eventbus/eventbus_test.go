package eventbus_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	porteventbus "github.com/alanyang/agent-coordinator/internal/port/eventbus"
)

func TestLossSignal_KeepsFirstReport(t *testing.T) {
	l := porteventbus.NewLossSignal()
	l.Report(errors.New("broken pipe"))
	l.Report(errors.New("second"))

	err := <-l.Lost()
	require.ErrorIs(t, err, porteventbus.ErrConnectionLost)
	assert.Contains(t, err.Error(), "broken pipe")

	select {
	case extra := <-l.Lost():
		t.Fatalf("unexpected second report: %v", extra)
	default:
	}
}

func TestLossSignal_NilCause(t *testing.T) {
	l := porteventbus.NewLossSignal()
	l.Report(nil)
	assert.Equal(t, porteventbus.ErrConnectionLost, <-l.Lost())
}
