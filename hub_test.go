package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vigiliahub/gpio"
	"vigiliahub/hw"
	"vigiliahub/metrics"
)

func quietLogging(t *testing.T) {
	t.Helper()
	l := logrus.New()
	l.SetOutput(io.Discard)
	e := logrus.NewEntry(l)
	coreLog, routerLog, hwLog, audioLog, aiLog, backendLog = e, e, e, e, e, e
}

func newDoorHub(t *testing.T) *Hub {
	t.Helper()
	quietLogging(t)
	s, err := loadTestSettings(t, "[door]\npulse_ms = 1\nremote_delay_ms = 1\n")
	require.NoError(t, err)
	door, err := hw.NewDoorController(gpio.NewSimulatedBank(), s.Door(), hwLog)
	require.NoError(t, err)
	return &Hub{settings: s, metrics: metrics.New(""), door: door}
}

func TestDoorCommandPulsesRelay(t *testing.T) {
	h := newDoorHub(t)
	h.onDoorOpen(context.Background(), json.RawMessage(`{"type":"vehicular","visitId":"v1"}`))

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(h.metrics.DoorOpenings.WithLabelValues("vehicular")) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestDoorCommandRejectsBadPayloads(t *testing.T) {
	h := newDoorHub(t)
	h.onDoorOpen(context.Background(), json.RawMessage(`{"type":"garage"}`))
	h.onDoorOpen(context.Background(), json.RawMessage(`not json`))

	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, testutil.CollectAndCount(h.metrics.DoorOpenings))
}

func TestAudioFramesSkipped(t *testing.T) {
	var buf bytes.Buffer
	log := newLogger("ai", logrus.TraceLevel, logrus.PanicLevel, logrus.TraceLevel, &buf)
	skipOutput(log, isAudioFrame)

	log.Tracef("audio delta %d bytes", 960)
	log.Warnf("audio delta not base64: %v", "bad")
	log.Debug("response done")

	out := buf.String()
	assert.NotContains(t, out, "960 bytes")
	assert.Contains(t, out, "not base64")
	assert.Contains(t, out, "response done")
	assert.Contains(t, out, "name=ai")
}

func TestLevelScale(t *testing.T) {
	assert.Equal(t, logrus.TraceLevel, toLogrusLevel(0))
	assert.Equal(t, logrus.InfoLevel, toLogrusLevel(2))
	assert.Equal(t, logrus.ErrorLevel, toLogrusLevel(4))
	assert.Equal(t, logrus.PanicLevel, toLogrusLevel(6))
	assert.Len(t, availableLevels(logrus.WarnLevel), 4)
}

func TestOutboundIPFallsBack(t *testing.T) {
	_, err := outboundIP("http://127.0.0.1:1")
	assert.Error(t, err, "loopback is never reported")

	_, err = outboundIP("::bad url")
	assert.Error(t, err)
}
