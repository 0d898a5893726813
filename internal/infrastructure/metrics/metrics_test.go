package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_RegistersOnGivenRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.SpendTotal.WithLabelValues("rule_check", "ok").Inc()
	m.SpendTotal.WithLabelValues("rule_check", "ok").Inc()
	m.PlanMismatchTotal.Inc()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.SpendTotal.WithLabelValues("rule_check", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PlanMismatchTotal))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestNewNop_Independent(t *testing.T) {
	// 独立 registry，重复创建不会因重名注册 panic
	assert.NotPanics(t, func() {
		NewNop()
		NewNop()
	})
}
