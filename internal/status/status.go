// Package status renders the GET /status HTML page (§6) embedding the
// counters of §3. The counters live on the action queue, which is the
// only component that mutates them; status only reads them.
package status

import (
	"html/template"
	"net/http"
	"strings"
	"time"

	"github.com/tjfontaine/gitlab-hookshot/internal/httpd"
	"github.com/tjfontaine/gitlab-hookshot/internal/queue"
	"github.com/tjfontaine/gitlab-hookshot/internal/reactor"
)

var pageTemplate = template.Must(template.New("status").Parse(`<!DOCTYPE html>
<html>
<head><title>gitlab-hookshot status</title></head>
<body>
<h1>gitlab-hookshot</h1>
<table>
<tr><td>requests received</td><td>{{.RequestsReceived}}</td></tr>
<tr><td>well-formed requests</td><td>{{.RequestsWellFormed}}</td></tr>
<tr><td>actions scheduled</td><td>{{.ActionsScheduled}}</td></tr>
<tr><td>actions executed</td><td>{{.ActionsExecuted}}</td></tr>
<tr><td>actions failed</td><td>{{.ActionsFailed}}</td></tr>
<tr><td>last failure</td><td>{{.LastFailure}}</td></tr>
<tr><td>pending actions</td><td>{{.Pending}}</td></tr>
</table>
</body>
</html>
`))

type view struct {
	queue.Counters
	Pending int
}

// Handler returns an httpd.HandlerFunc that serves the status page,
// reading the queue's counters via reactor.Call so it never observes a
// torn update from the reactor goroutine.
func Handler(r *reactor.Reactor, q *queue.Queue) httpd.HandlerFunc {
	return func(req *httpd.Request) {
		if req.Method() != http.MethodGet {
			req.Respond(http.StatusMethodNotAllowed, nil)
			return
		}

		var v view
		r.Call(func() {
			v.Counters = q.Counters
			v.Pending = q.Len()
		})

		lastFailure := "never"
		if !v.LastFailure.IsZero() {
			lastFailure = v.LastFailure.Format(time.RFC3339)
		}

		var buf strings.Builder
		_ = pageTemplate.Execute(&buf, struct {
			view
			LastFailure string
		}{v, lastFailure})

		req.Respond(http.StatusOK, []byte(buf.String()))
	}
}
