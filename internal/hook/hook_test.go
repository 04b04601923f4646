package hook

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tjfontaine/gitlab-hookshot/internal/httpd"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type stubHandler struct {
	base    Base
	outcome Outcome
	err     error
	calls   int
}

func (s *stubHandler) Base() *Base { return &s.base }
func (s *stubHandler) Process(req *httpd.Request, event string, payload map[string]any) (Outcome, error) {
	s.calls++
	return s.outcome, s.err
}

func newServerWithChain(t *testing.T, chain *Chain) string {
	t.Helper()
	srv := httpd.New(httpd.Config{IP: "127.0.0.1", Port: 0}, testLogger())
	require.NoError(t, srv.AddHandler(chain.URIPath, chain.HTTPHandler()))

	ln, err := srv.Bind()
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		time.Sleep(10 * time.Millisecond)
	})
	go func() { _ = srv.ServeListener(ctx, ln) }()

	return "http://" + ln.Addr().String()
}

func TestAuthorizedRejectsWrongToken(t *testing.T) {
	h := &stubHandler{base: Base{URIPath: "/hooks", Token: "secret"}, outcome: OutcomeAccepted}
	chain := NewChain("/hooks", []Handler{h}, testLogger(), nil, nil)
	baseURL := newServerWithChain(t, chain)

	resp, err := http.Post(baseURL+"/hooks", "application/json", bytes.NewReader([]byte(`{}`)))
	require.NoError(t, err)
	defer resp.Body.Close()

	req, _ := http.NewRequest(http.MethodPost, baseURL+"/hooks", bytes.NewReader([]byte(`{}`)))
	req.Header.Set("X-Gitlab-Token", "wrong")
	resp2, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp2.Body.Close()

	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, http.StatusForbidden, resp2.StatusCode)
	assert.Equal(t, 0, h.calls)
}

func TestAcceptedAggregatesTo202(t *testing.T) {
	h := &stubHandler{base: Base{URIPath: "/hooks", Token: "secret"}, outcome: OutcomeAccepted}
	chain := NewChain("/hooks", []Handler{h}, testLogger(), nil, nil)
	baseURL := newServerWithChain(t, chain)

	req, _ := http.NewRequest(http.MethodPost, baseURL+"/hooks", bytes.NewReader([]byte(`{"a":1}`)))
	req.Header.Set("X-Gitlab-Token", "secret")
	req.Header.Set("X-Gitlab-Event", "Pipeline Hook")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, 1, h.calls)
}

func TestIgnoredAggregatesTo204(t *testing.T) {
	h := &stubHandler{base: Base{URIPath: "/hooks", Token: "secret"}, outcome: OutcomeIgnored}
	chain := NewChain("/hooks", []Handler{h}, testLogger(), nil, nil)
	baseURL := newServerWithChain(t, chain)

	req, _ := http.NewRequest(http.MethodPost, baseURL+"/hooks", bytes.NewReader([]byte(`{}`)))
	req.Header.Set("X-Gitlab-Token", "secret")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestStopShortCircuitsLaterHandlers(t *testing.T) {
	first := &stubHandler{base: Base{URIPath: "/hooks", Token: "secret"}, outcome: OutcomeStop}
	second := &stubHandler{base: Base{URIPath: "/hooks", Token: "secret"}, outcome: OutcomeAccepted}
	chain := NewChain("/hooks", []Handler{first, second}, testLogger(), nil, nil)
	baseURL := newServerWithChain(t, chain)

	req, _ := http.NewRequest(http.MethodPost, baseURL+"/hooks", bytes.NewReader([]byte(`{}`)))
	req.Header.Set("X-Gitlab-Token", "secret")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, 1, first.calls)
	assert.Equal(t, 0, second.calls)
}

func TestCountersIncrementOnRequestAndWellFormedPayload(t *testing.T) {
	var received, wellFormed int32
	h := &stubHandler{base: Base{URIPath: "/hooks", Token: "secret"}, outcome: OutcomeAccepted}
	chain := NewChain("/hooks", []Handler{h}, testLogger(),
		func() { atomic.AddInt32(&received, 1) },
		func() { atomic.AddInt32(&wellFormed, 1) })
	baseURL := newServerWithChain(t, chain)

	req, _ := http.NewRequest(http.MethodPost, baseURL+"/hooks", bytes.NewReader([]byte(`not json`)))
	req.Header.Set("X-Gitlab-Token", "secret")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.EqualValues(t, 1, atomic.LoadInt32(&received))
	assert.EqualValues(t, 0, atomic.LoadInt32(&wellFormed))

	req2, _ := http.NewRequest(http.MethodPost, baseURL+"/hooks", bytes.NewReader([]byte(`{}`)))
	req2.Header.Set("X-Gitlab-Token", "secret")
	resp2, err := http.DefaultClient.Do(req2)
	require.NoError(t, err)
	resp2.Body.Close()

	assert.EqualValues(t, 2, atomic.LoadInt32(&received))
	assert.EqualValues(t, 1, atomic.LoadInt32(&wellFormed))
}

func TestMalformedJSONIs400(t *testing.T) {
	h := &stubHandler{base: Base{URIPath: "/hooks", Token: "secret"}}
	chain := NewChain("/hooks", []Handler{h}, testLogger(), nil, nil)
	baseURL := newServerWithChain(t, chain)

	req, _ := http.NewRequest(http.MethodPost, baseURL+"/hooks", bytes.NewReader([]byte(`not json`)))
	req.Header.Set("X-Gitlab-Token", "secret")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
