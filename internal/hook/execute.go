package hook

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/tjfontaine/gitlab-hookshot/internal/process"
	"github.com/tjfontaine/gitlab-hookshot/internal/queue"
)

// Enqueue appends an action to the process-global queue. Implementations
// bridge through reactor.Call so the mutation happens on the reactor
// goroutine regardless of which HTTP connection goroutine calls this.
type Enqueue func(*queue.Action)

// Execute is the shared helper of §4.5: when b has a configured
// command, it binds the standard CI_* environment from payload, splits
// the command into program/args, builds a process descriptor and
// enqueues it. When b has no command, Execute is a no-op that returns
// Ignored (§4.7).
func Execute(b *Base, payload map[string]any, extra Overlay, enqueue Enqueue) (Outcome, error) {
	if b.Program == "" {
		return OutcomeIgnored, nil
	}

	standard, err := standardEnvironment(payload)
	if err != nil {
		return 0, err
	}

	realized := Realize(standard, extra, b.Environment)

	argv := make([]string, 0, len(b.Args)+1)
	argv = append(argv, b.Program)
	argv = append(argv, b.Args...)

	desc := process.Descriptor{
		Program:       b.Program,
		Argv:          argv,
		Env:           realized,
		HasCredential: b.HasCredential,
		UID:           b.UID,
		GID:           b.GID,
	}

	enqueue(&queue.Action{
		Name:       b.Name,
		Kind:       queue.KindProcess,
		Descriptor: desc,
		Timeout:    time.Duration(b.Timeout * float64(time.Second)),
	})

	return OutcomeAccepted, nil
}

// standardEnvironment binds CI_PROJECT_ID, CI_PROJECT_PATH,
// CI_PROJECT_TITLE, CI_PROJECT_URL and CI_SERVER_URL (derived from
// project.web_url's authority) from the webhook JSON payload (§4.5).
func standardEnvironment(payload map[string]any) (Overlay, error) {
	project, ok := payload["project"].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("payload missing project object")
	}

	var overlay Overlay
	if id, ok := project["id"]; ok {
		overlay = overlay.Set("CI_PROJECT_ID", stringify(id))
	}
	if v, ok := project["path_with_namespace"].(string); ok {
		overlay = overlay.Set("CI_PROJECT_PATH", v)
	}
	if v, ok := project["name"].(string); ok {
		overlay = overlay.Set("CI_PROJECT_TITLE", v)
	}
	webURL, _ := project["web_url"].(string)
	if webURL != "" {
		overlay = overlay.Set("CI_PROJECT_URL", webURL)
		serverURL, err := serverURLFromWebURL(webURL)
		if err != nil {
			return nil, err
		}
		overlay = overlay.Set("CI_SERVER_URL", serverURL)
	}

	return overlay, nil
}

func serverURLFromWebURL(webURL string) (string, error) {
	u, err := url.Parse(webURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("malformed project.web_url %q", webURL)
	}
	return u.Scheme + "://" + u.Host, nil
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case fmt.Stringer:
		return t.String()
	default:
		return strings.TrimSpace(fmt.Sprintf("%v", t))
	}
}

// SplitCommand splits a configured command line on runs of space/tab
// into a program path and its arguments (§4.5).
func SplitCommand(command string) (program string, args []string) {
	fields := strings.FieldsFunc(command, func(r rune) bool {
		return r == ' ' || r == '\t'
	})
	if len(fields) == 0 {
		return "", nil
	}
	return fields[0], fields[1:]
}
