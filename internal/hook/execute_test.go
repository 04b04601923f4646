package hook

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tjfontaine/gitlab-hookshot/internal/queue"
)

func TestExecuteNoOpWithoutProgram(t *testing.T) {
	b := &Base{Name: "noop"}
	outcome, err := Execute(b, map[string]any{}, nil, func(*queue.Action) { t.Fatal("must not enqueue") })
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, outcome)
}

func TestExecuteBindsStandardEnvironment(t *testing.T) {
	b := &Base{Name: "deploy", Program: "/bin/true", Timeout: 5}
	payload := map[string]any{
		"project": map[string]any{
			"id":                  float64(42),
			"path_with_namespace": "group/project",
			"name":                "project",
			"web_url":             "https://gitlab.example.com/group/project",
		},
	}

	var enqueued *queue.Action
	outcome, err := Execute(b, payload, nil, func(a *queue.Action) { enqueued = a })

	require.NoError(t, err)
	assert.Equal(t, OutcomeAccepted, outcome)
	require.NotNil(t, enqueued)
	assert.Contains(t, enqueued.Descriptor.Env, "CI_PROJECT_ID=42")
	assert.Contains(t, enqueued.Descriptor.Env, "CI_PROJECT_PATH=group/project")
	assert.Contains(t, enqueued.Descriptor.Env, "CI_PROJECT_URL=https://gitlab.example.com/group/project")
	assert.Contains(t, enqueued.Descriptor.Env, "CI_SERVER_URL=https://gitlab.example.com")
}

func TestExecuteFailsWithoutProjectObject(t *testing.T) {
	b := &Base{Name: "deploy", Program: "/bin/true"}
	_, err := Execute(b, map[string]any{}, nil, func(*queue.Action) {})
	assert.Error(t, err)
}

func TestSplitCommand(t *testing.T) {
	program, args := SplitCommand("/usr/bin/deploy  --env prod")
	assert.Equal(t, "/usr/bin/deploy", program)
	assert.Equal(t, []string{"--env", "prod"}, args)
}

func TestSplitCommandEmpty(t *testing.T) {
	program, args := SplitCommand("")
	assert.Equal(t, "", program)
	assert.Nil(t, args)
}
