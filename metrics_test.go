package amqp

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameTypeName(t *testing.T) {
	assert.Equal(t, "empty", frameTypeName(nil))
	assert.Equal(t, "transfer", frameTypeName(&performTransfer{}))
	assert.Equal(t, "sasl", frameTypeName(&saslOutcome{}))
}

func TestRecordFrameCountsTransfers(t *testing.T) {
	before := testutil.ToFloat64(transfersTotal.WithLabelValues("tx"))
	frames := testutil.ToFloat64(framesTotal.WithLabelValues("tx", "transfer"))

	recordFrame("tx", &performTransfer{})
	recordFrame("tx", &performFlow{})

	assert.Equal(t, before+1, testutil.ToFloat64(transfersTotal.WithLabelValues("tx")))
	assert.Equal(t, frames+1, testutil.ToFloat64(framesTotal.WithLabelValues("tx", "transfer")))
}

func TestCreditStallRecorded(t *testing.T) {
	_, s := newTestSession(t)
	l := newTestLink(t, s, roleSender, 0)

	before := testutil.ToFloat64(creditStalls)
	l.queueSend(newPendingSend(t, NewMessage([]byte("waits"))))
	assert.Equal(t, before+1, testutil.ToFloat64(creditStalls))
}

func TestRegisterMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	require.NoError(t, RegisterMetrics(reg))
	// later calls are no-ops, even against another registry
	require.NoError(t, RegisterMetrics(prometheus.NewRegistry()))

	recordFrame("rx", &performOpen{})
	families, err := reg.Gather()
	require.NoError(t, err)

	var names []string
	for _, mf := range families {
		names = append(names, mf.GetName())
	}
	assert.Contains(t, names, "amqp_frames_total")
}

func TestRecordingDoesNotRegister(t *testing.T) {
	recordFrame("tx", &performClose{})
	recordCreditStall()

	// recording leaves the default registry alone
	require.NoError(t, prometheus.DefaultRegisterer.Register(creditStalls))
	assert.True(t, prometheus.DefaultRegisterer.Unregister(creditStalls))
}
