package adapter

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func analysisServer(t *testing.T, gates ...string) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var polls atomic.Int32

	mux := http.NewServeMux()
	mux.HandleFunc("/api/project_analyses/trigger", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("/api/qualitygates/project_status", func(w http.ResponseWriter, r *http.Request) {
		idx := int(polls.Add(1)) - 1
		if idx >= len(gates) {
			idx = len(gates) - 1
		}
		fmt.Fprintf(w, `{"projectStatus":{"status":%q}}`, gates[idx])
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, &polls
}

func TestAnalysis_GatePasses(t *testing.T) {
	srv, _ := analysisServer(t, "OK")
	a := &Analysis{BaseURL: srv.URL, PollInterval: time.Millisecond}

	res, err := a.Run(context.Background(), Params{"project": "app"})
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.Contains(t, res.Output["report_url"], "dashboard?id=app")
}

func TestAnalysis_GateFailsAfterPending(t *testing.T) {
	srv, polls := analysisServer(t, "IN_PROGRESS", "IN_PROGRESS", "ERROR")
	a := &Analysis{BaseURL: srv.URL, PollInterval: time.Millisecond}

	res, err := a.Run(context.Background(), Params{"project": "app"})
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.Equal(t, "quality gate failed", res.Detail)
	assert.GreaterOrEqual(t, polls.Load(), int32(3))
}

func TestAnalysis_MissingProject(t *testing.T) {
	a := &Analysis{BaseURL: "http://localhost:0"}
	_, err := a.Run(context.Background(), Params{})
	assert.Error(t, err)
}
