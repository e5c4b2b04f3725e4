package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestNewRegistersCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New("test", reg)

	m.VotesProcessed.Inc()
	m.VotesRejected.WithLabelValues("replay").Add(2)
	m.RecordRecovery("crash", true, 50*time.Millisecond)
	m.RecordRecovery("crash", false, time.Second)

	require.Equal(t, 1.0, testutil.ToFloat64(m.VotesProcessed))
	require.Equal(t, 2.0, testutil.ToFloat64(m.VotesRejected.WithLabelValues("replay")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.Recoveries.WithLabelValues("crash", "success")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.Recoveries.WithLabelValues("crash", "failure")))

	families, err := reg.Gather()
	require.NoError(t, err)
	require.NotEmpty(t, families)
}

func TestNopIsIndependent(t *testing.T) {
	// Two unregistered sets must not collide.
	a, b := Nop(), Nop()
	a.CertificatesIssued.Inc()
	require.Equal(t, 1.0, testutil.ToFloat64(a.CertificatesIssued))
	require.Equal(t, 0.0, testutil.ToFloat64(b.CertificatesIssued))
}
