package metrics

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollector(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, err := New(reg)
	require.NoError(t, err)

	c.SetUp("cli", true)
	c.SetCongestionLevel("cli", 2)
	c.PayloadSent("cli", 10, 0.001)
	c.PayloadSent("cli", 5, 0.002)
	c.PayloadReceived("cli", 7)
	c.InvalidStream("cli")
	c.ConnectAttempt("cli", false)
	c.ConnectAttempt("cli", true)
	c.ServerStarted(true)
	c.SetAnonymous("S", 1)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.up.WithLabelValues("cli")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.congestion.WithLabelValues("cli")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.payloads.WithLabelValues("cli", "out")))
	assert.Equal(t, 15.0, testutil.ToFloat64(c.payloadBytes.WithLabelValues("cli", "out")))
	assert.Equal(t, 7.0, testutil.ToFloat64(c.payloadBytes.WithLabelValues("cli", "in")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.invalidStreams.WithLabelValues("cli")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.connectAttempts.WithLabelValues("cli", "failure")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.serversStarted))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.anonymousCurrent.WithLabelValues("S")))

	expected := `
# HELP sctp_mgmt_association_up 1 while the association is connected.
# TYPE sctp_mgmt_association_up gauge
sctp_mgmt_association_up{association="cli"} 1
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "sctp_mgmt_association_up"))

	c.Forget("cli")
	assert.Equal(t, 0, testutil.CollectAndCount(c.up))
	assert.Equal(t, 0, testutil.CollectAndCount(c.payloads))
}

func TestDuplicateRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := New(reg)
	require.NoError(t, err)
	_, err = New(reg)
	assert.Error(t, err)
}

func TestNilCollector(t *testing.T) {
	var c *Collector
	c.SetUp("x", true)
	c.PayloadSent("x", 1, 0)
	c.ConnectAttempt("x", true)
	c.Forget("x")
}
