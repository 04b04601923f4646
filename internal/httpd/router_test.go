package httpd

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizePath(t *testing.T) {
	cases := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"/", "/", false},
		{"/hooks", "/hooks", false},
		{"/hooks/", "/hooks", false},
		{"hooks", "", true},
		{"", "", true},
	}
	for _, c := range cases {
		got, err := normalizePath(c.in)
		if c.wantErr {
			assert.Error(t, err, c.in)
			continue
		}
		require.NoError(t, err, c.in)
		assert.Equal(t, c.want, got, c.in)
	}
}

func TestAddRejectsDuplicatePaths(t *testing.T) {
	rt := newRouter()
	require.NoError(t, rt.Add("/hooks", func(*Request) {}))
	err := rt.Add("/hooks/", func(*Request) {})
	assert.Error(t, err)
}

func TestMatchLongestPrefix(t *testing.T) {
	rt := newRouter()
	rootCalled, hooksCalled, deepCalled := false, false, false
	require.NoError(t, rt.Add("/", func(*Request) { rootCalled = true }))
	require.NoError(t, rt.Add("/hooks", func(*Request) { hooksCalled = true }))
	require.NoError(t, rt.Add("/hooks/project/deploy", func(*Request) { deepCalled = true }))

	h, ok := rt.match("/hooks/project/deploy/extra")
	require.True(t, ok)
	h(nil)
	assert.True(t, deepCalled)

	h, ok = rt.match("/hooks/other")
	require.True(t, ok)
	h(nil)
	assert.True(t, hooksCalled)

	h, ok = rt.match("/unregistered/path")
	require.True(t, ok)
	h(nil)
	assert.True(t, rootCalled)
}

func TestMatchFailsWithoutRootHandler(t *testing.T) {
	rt := newRouter()
	require.NoError(t, rt.Add("/hooks", func(*Request) {}))

	_, ok := rt.match("/other")
	assert.False(t, ok)
}
