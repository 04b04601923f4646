// Package debug implements the debug hook: it prints the GitLab event
// name and pretty-printed JSON payload to stdout, then delegates to
// hook.Execute, which is a no-op when the hook has no configured
// command (§4.7 of the specification).
package debug

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/tjfontaine/gitlab-hookshot/internal/hook"
	"github.com/tjfontaine/gitlab-hookshot/internal/httpd"
)

// Hook is the debug hook kind.
type Hook struct {
	Cfg     hook.Base
	Enqueue hook.Enqueue
}

var _ hook.Handler = (*Hook)(nil)

// Base implements hook.Handler.
func (h *Hook) Base() *hook.Base { return &h.Cfg }

// Process implements §4.7.
func (h *Hook) Process(req *httpd.Request, event string, payload map[string]any) (hook.Outcome, error) {
	pretty, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return 0, err
	}
	fmt.Fprintf(os.Stdout, "%s\n%s\n", event, pretty)

	return hook.Execute(&h.Cfg, payload, nil, h.Enqueue)
}
