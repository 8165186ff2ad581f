// ABOUTME: Tests for the Prometheus recorder callbacks and exposition handler
// ABOUTME: Reads counters back with prometheus testutil

package metrics

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-desk/internal/dispatch"
	"github.com/2389/coven-desk/internal/inbound"
	"github.com/2389/coven-desk/internal/routing"
)

func TestRecorder_Callbacks(t *testing.T) {
	r := NewRecorder()

	r.ObserveAssignment(routing.Decision{AgentID: "a1", Pool: routing.PoolOnline})
	r.ObserveAssignment(routing.Decision{Pool: routing.PoolEmpty})
	assert.Equal(t, 1.0, testutil.ToFloat64(r.assignments.WithLabelValues("online")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.assignments.WithLabelValues("empty")))

	r.ObserveInbound(inbound.Outcome{State: inbound.StateFannedOut, Kind: "image", MediaDegraded: true})
	r.ObserveInbound(inbound.Outcome{State: inbound.StateReceived, Kind: "sticker", Err: inbound.ErrValidation})
	assert.Equal(t, 1.0, testutil.ToFloat64(r.inbound.WithLabelValues("FANNED_OUT", "image", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.inbound.WithLabelValues("RECEIVED", "sticker", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.mediaDegraded))

	r.ObserveFanout("admins", 3)
	assert.Equal(t, 3.0, testutil.ToFloat64(r.fanout.WithLabelValues("admins")))

	r.ObserveProvider("send", nil, 20*time.Millisecond)
	r.ObserveProvider("send", errors.New("boom"), time.Millisecond)
	assert.Equal(t, 1.0, testutil.ToFloat64(r.providerRequests.WithLabelValues("send", "error")))
}

func TestRecorder_QueueObserver(t *testing.T) {
	r := NewRecorder()

	r.QueueDepth(4)
	r.JobStarted()
	r.JobStarted()
	assert.Equal(t, 4.0, testutil.ToFloat64(r.queueDepth))
	assert.Equal(t, 2.0, testutil.ToFloat64(r.jobsActive))

	r.JobFinished("voice", dispatch.StateSent, time.Second)
	r.JobFinished("text", dispatch.StateFailed, time.Millisecond)
	assert.Zero(t, testutil.ToFloat64(r.jobsActive))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.jobsTotal.WithLabelValues("voice", "sent")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.jobsTotal.WithLabelValues("text", "failed")))
}

func TestRecorder_Handler(t *testing.T) {
	r := NewRecorder()
	r.JobStarted()

	srv := httptest.NewServer(r.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "coven_desk_send_jobs_active 1")
	assert.Contains(t, string(body), "go_goroutines")
}

func TestRecorders_AreIndependent(t *testing.T) {
	a, b := NewRecorder(), NewRecorder()
	a.JobStarted()
	assert.Equal(t, 1.0, testutil.ToFloat64(a.jobsActive))
	assert.Zero(t, testutil.ToFloat64(b.jobsActive))
}
