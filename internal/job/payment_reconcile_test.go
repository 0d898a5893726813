package job

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"creditsystem/internal/config"
	"creditsystem/internal/logging"
	"creditsystem/internal/service"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeReconciler struct {
	mu         sync.Mutex
	calls      int
	pendingFor time.Duration
	timeout    time.Duration
	limit      int
	stats      service.ReconcileStats
	err        error
	block      chan struct{}
	entered    chan struct{}
}

func (f *fakeReconciler) ReconcilePending(_ context.Context, pendingFor, timeout time.Duration, limit int) (service.ReconcileStats, error) {
	f.mu.Lock()
	f.calls++
	f.pendingFor, f.timeout, f.limit = pendingFor, timeout, limit
	block, entered := f.block, f.entered
	f.mu.Unlock()

	if entered != nil {
		close(entered)
	}
	if block != nil {
		<-block
	}
	return f.stats, f.err
}

func jobsConfig() *config.JobsConfig {
	return &config.JobsConfig{
		PaymentReconcileSpec:  "@every 1m",
		PaymentPendingMinutes: 10,
		PaymentTimeoutMinutes: 60,
	}
}

func TestPaymentReconcileJob_RunOnce(t *testing.T) {
	r := &fakeReconciler{stats: service.ReconcileStats{Checked: 2, Granted: 1, Failed: 1}}
	j := NewPaymentReconcileJob(r, jobsConfig(), logging.Nop())

	stats, ran := j.RunOnce(context.Background())
	assert.True(t, ran)
	assert.Equal(t, 2, stats.Checked)
	assert.Equal(t, 10*time.Minute, r.pendingFor)
	assert.Equal(t, time.Hour, r.timeout)
	assert.Equal(t, 100, r.limit)

	r.err = errors.New("stripe down")
	_, ran = j.RunOnce(context.Background())
	assert.True(t, ran)
	assert.Equal(t, 2, r.calls)
}

func TestPaymentReconcileJob_SkipsOverlappingRuns(t *testing.T) {
	r := &fakeReconciler{block: make(chan struct{}), entered: make(chan struct{})}
	j := NewPaymentReconcileJob(r, jobsConfig(), logging.Nop())

	done := make(chan struct{})
	go func() {
		j.RunOnce(context.Background())
		close(done)
	}()
	<-r.entered

	_, ran := j.RunOnce(context.Background())
	assert.False(t, ran)

	close(r.block)
	<-done
	assert.Equal(t, 1, r.calls)
}

func TestPaymentReconcileJob_Register(t *testing.T) {
	c := NewScheduler()
	j := NewPaymentReconcileJob(&fakeReconciler{}, jobsConfig(), logging.Nop())
	require.NoError(t, j.Register(context.Background(), c))
	assert.Len(t, c.Entries(), 1)

	cfg := jobsConfig()
	cfg.PaymentReconcileSpec = "not a spec"
	bad := NewPaymentReconcileJob(&fakeReconciler{}, cfg, logging.Nop())
	assert.Error(t, bad.Register(context.Background(), c))
}
