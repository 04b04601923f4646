package httpd

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRespondTransitionsToResponded(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/status", nil)
	w := httptest.NewRecorder()
	req := newRequest(w, r)

	req.Respond(http.StatusOK, []byte("ok"))
	assert.Equal(t, StateResponded, req.State())
	assert.Equal(t, http.StatusOK, req.statusCode)
}

func TestRespondIsIdempotent(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/status", nil)
	w := httptest.NewRecorder()
	req := newRequest(w, r)

	req.Respond(http.StatusOK, []byte("first"))
	req.Respond(http.StatusInternalServerError, []byte("second"))

	assert.Equal(t, http.StatusOK, req.statusCode)
	assert.Equal(t, []byte("first"), req.respBody)
}

func TestAcceptRejectsGET(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/hooks", nil)
	w := httptest.NewRecorder()
	req := newRequest(w, r)

	err := req.Accept(func([]byte) {})
	assert.Error(t, err)
	assert.Equal(t, StateCreated, req.State())
}

func TestAcceptThenCompleteRunsContinuation(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/hooks", nil)
	w := httptest.NewRecorder()
	req := newRequest(w, r)

	var gotBody []byte
	require.NoError(t, req.Accept(func(body []byte) {
		gotBody = body
		req.Respond(http.StatusAccepted, nil)
	}))
	assert.Equal(t, StateAccepted, req.State())

	req.complete([]byte("payload"))

	assert.Equal(t, []byte("payload"), gotBody)
	assert.Equal(t, StateResponded, req.State())
}

func TestCompleteIgnoredOutsideAccepted(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/hooks", nil)
	w := httptest.NewRecorder()
	req := newRequest(w, r)

	req.complete([]byte("payload"))
	assert.Equal(t, StateCreated, req.State())
}
