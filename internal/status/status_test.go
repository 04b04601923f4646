package status

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tjfontaine/gitlab-hookshot/internal/httpd"
	"github.com/tjfontaine/gitlab-hookshot/internal/process"
	"github.com/tjfontaine/gitlab-hookshot/internal/queue"
	"github.com/tjfontaine/gitlab-hookshot/internal/reactor"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newStatusServer(t *testing.T) (string, *reactor.Reactor, *queue.Queue) {
	t.Helper()
	r := reactor.New(16)
	sup := process.New(r)
	q := queue.New(r, sup, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = r.Run(ctx) }()

	srv := httpd.New(httpd.Config{IP: "127.0.0.1", Port: 0}, testLogger())
	require.NoError(t, srv.AddHandler("/status", Handler(r, q)))

	ln, err := srv.Bind()
	require.NoError(t, err)
	go func() { _ = srv.ServeListener(ctx, ln) }()

	t.Cleanup(func() {
		cancel()
		time.Sleep(10 * time.Millisecond)
	})

	return "http://" + ln.Addr().String(), r, q
}

func TestStatusPageRendersCounters(t *testing.T) {
	baseURL, r, q := newStatusServer(t)

	done := make(chan struct{})
	r.Post(func() {
		q.Counters.RequestsReceived = 3
		q.Counters.ActionsExecuted = 2
		q.Counters.ActionsFailed = 1
		close(done)
	})
	<-done

	resp, err := http.Get(baseURL + "/status")
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "gitlab-hookshot")
	assert.Contains(t, string(body), "<td>3</td>")
	assert.Contains(t, string(body), "<td>2</td>")
	assert.Contains(t, string(body), "<td>1</td>")
}

func TestStatusPageShowsNeverWithoutFailure(t *testing.T) {
	baseURL, _, _ := newStatusServer(t)

	resp, err := http.Get(baseURL + "/status")
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "never")
}

func TestStatusRejectsNonGET(t *testing.T) {
	baseURL, _, _ := newStatusServer(t)

	resp, err := http.Post(baseURL+"/status", "text/plain", nil)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}
