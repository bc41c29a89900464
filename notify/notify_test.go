package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"conveyor.sh/core/engine"
	"conveyor.sh/core/graph"
)

func sampleReport() *engine.Report {
	now := time.Now()
	return &engine.Report{
		RunID:      "run-1",
		Status:     graph.StatusFailed,
		StartedAt:  now.Add(-time.Minute),
		FinishedAt: now,
		Stages: []engine.Outcome{
			{StageID: "checkout", Status: graph.StatusSucceeded, Attempt: 1},
			{StageID: "build", Status: graph.StatusFailed, Attempt: 3, ErrorDetail: "compile error"},
			{StageID: "deploy", Status: graph.StatusSkipped},
		},
	}
}

func TestWebhook_PostsReport(t *testing.T) {
	var got engine.Report
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
	}))
	defer srv.Close()

	w := &Webhook{URL: srv.URL}
	require.NoError(t, w.Notify(context.Background(), sampleReport()))

	assert.Equal(t, "run-1", got.RunID)
	assert.Len(t, got.Stages, 3)
}

func TestWebhook_Non2xxIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	w := &Webhook{URL: srv.URL}
	assert.Error(t, w.Notify(context.Background(), sampleReport()))
}

type failingNotifier struct{}

func (failingNotifier) Notify(context.Context, *engine.Report) error {
	return errors.New("sink down")
}

type countingNotifier struct{ calls atomic.Int32 }

func (c *countingNotifier) Notify(context.Context, *engine.Report) error {
	c.calls.Add(1)
	return nil
}

func TestMulti_FailingSinkDoesNotStopOthers(t *testing.T) {
	counting := &countingNotifier{}
	m := Multi{failingNotifier{}, counting}

	err := m.Notify(context.Background(), sampleReport())
	assert.Error(t, err)
	assert.Equal(t, int32(1), counting.calls.Load())
}

func TestDispatch_NeverPanicsOrPropagates(t *testing.T) {
	// a failing sink is logged, not raised
	Dispatch(context.Background(), failingNotifier{}, sampleReport())
	Dispatch(context.Background(), nil, sampleReport())
}

func TestEmailBody_ListsStages(t *testing.T) {
	text := body(sampleReport())
	assert.Contains(t, text, "checkout")
	assert.Contains(t, text, "compile error")
	assert.Contains(t, text, "(attempt 3)")
	assert.Contains(t, subject(sampleReport()), "failed")
}
