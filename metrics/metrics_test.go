package metrics_test

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/synckit/syncserver/metrics"
)

func TestNewRegistersAgainstGivenRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	mt := metrics.New(reg)
	require.NotNil(t, mt.ConnectionsOpen)

	mt.ConnectionsOpen.Inc()
	families, err := reg.Gather()
	require.NoError(t, err)
	require.NotEmpty(t, families)
}

func TestNewTwiceAgainstSameRegistryPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics.New(reg)
	require.Panics(t, func() { metrics.New(reg) },
		"promauto.With panics on a duplicate metric name against the same Registerer")
}

func TestNewAgainstSeparateRegistriesDoesNotPanic(t *testing.T) {
	require.NotPanics(t, func() {
		metrics.New(prometheus.NewRegistry())
		metrics.New(prometheus.NewRegistry())
	})
}
