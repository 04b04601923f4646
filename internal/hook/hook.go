// Package hook implements the hook chain: per-URI-path ordered lists
// of hook handlers, dispatch to every authorized member with
// accept/ignore/stop outcomes, and the shared execute() helper that turns an authorized
// webhook into a queued action (§4.5–§4.7 of the specification).
package hook

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"

	"github.com/tjfontaine/gitlab-hookshot/internal/httpd"
)

// Outcome is the per-hook three-valued dispatch result (§4.5, GLOSSARY).
type Outcome int

const (
	OutcomeIgnored Outcome = iota
	OutcomeAccepted
	OutcomeStop
)

// Base is the configuration and chain link shared by every hook kind
// (§3 Hook). Concrete hook kinds (pipeline, debug) embed Base and
// implement Handler.
type Base struct {
	URIPath     string
	Name        string
	Token       string
	PeerAddress string // empty = no restriction

	Program string // empty = no command configured
	Args    []string

	Environment Overlay
	Timeout     float64 // seconds

	HasCredential bool
	UID, GID      uint32
}

// Authorized reports whether token and peerAddr satisfy this hook's
// policy (§4.5 step 5).
func (b *Base) Authorized(token, peerAddr string) bool {
	if b.Token != token {
		return false
	}
	if b.PeerAddress != "" && b.PeerAddress != peerAddr {
		return false
	}
	return true
}

// Handler is implemented by each concrete hook kind. Process runs only
// for chain members that already passed Authorized.
type Handler interface {
	Base() *Base
	Process(req *httpd.Request, event string, payload map[string]any) (Outcome, error)
}

// Chain is an ordered list of hooks sharing a URI path (§3 Chain).
// Dispatch visits every authorized member in insertion order (§5).
type Chain struct {
	URIPath  string
	Handlers []Handler
	logger   *slog.Logger

	// CountRequest and CountWellFormed track the §3 Counters
	// (requests received, well-formed requests) that the status page
	// reports. Both are bridged through reactor.Call by the caller, the
	// same way Enqueue is, so the increment happens on the reactor
	// goroutine regardless of which connection goroutine calls in.
	CountRequest    func()
	CountWellFormed func()
}

// NewChain constructs a chain for uriPath. handlers must all share
// uriPath; the caller (daemon.buildChains, which groups hooks by
// path) enforces that invariant.
func NewChain(uriPath string, handlers []Handler, logger *slog.Logger, countRequest, countWellFormed func()) *Chain {
	return &Chain{
		URIPath:         uriPath,
		Handlers:        handlers,
		logger:          logger,
		CountRequest:    countRequest,
		CountWellFormed: countWellFormed,
	}
}

// HTTPHandler adapts the chain to httpd.HandlerFunc, implementing the
// dispatch steps of §4.5.
func (c *Chain) HTTPHandler() httpd.HandlerFunc {
	return func(req *httpd.Request) {
		if c.CountRequest != nil {
			c.CountRequest()
		}

		peer, _, err := net.SplitHostPort(req.PeerAddr())
		if err != nil {
			req.Respond(http.StatusInternalServerError, nil)
			return
		}

		if req.Method() != http.MethodPost {
			req.Respond(http.StatusMethodNotAllowed, nil)
			return
		}
		if req.Path() != c.URIPath {
			req.Respond(http.StatusNotFound, nil)
			return
		}

		token := req.Header("X-Gitlab-Token")
		if token == "" {
			req.Respond(http.StatusUnauthorized, nil)
			return
		}

		authorized := false
		for _, h := range c.Handlers {
			if h.Base().Authorized(token, peer) {
				authorized = true
				break
			}
		}
		if !authorized {
			req.Respond(http.StatusForbidden, nil)
			return
		}

		event := req.Header("X-Gitlab-Event")

		if err := req.Accept(func(body []byte) {
			c.dispatchBody(req, event, token, peer, body)
		}); err != nil {
			c.logger.Error("hook chain accept failed", slog.Any("error", err))
			req.Respond(http.StatusInternalServerError, nil)
		}
	}
}

func (c *Chain) dispatchBody(req *httpd.Request, event, token, peer string, body []byte) {
	var payload map[string]any
	decoder := json.NewDecoder(bytes.NewReader(body))
	decoder.UseNumber()
	if err := decoder.Decode(&payload); err != nil {
		req.Respond(http.StatusBadRequest, nil)
		return
	}
	if c.CountWellFormed != nil {
		c.CountWellFormed()
	}

	accepted := false
	for _, h := range c.Handlers {
		b := h.Base()
		if !b.Authorized(token, peer) {
			continue
		}

		outcome, err := h.Process(req, event, payload)
		if err != nil {
			c.logger.Error("hook process failed",
				slog.String("name", b.Name), slog.Any("error", err))
			req.Respond(http.StatusInternalServerError, nil)
			return
		}

		switch outcome {
		case OutcomeStop:
			if req.State() != httpd.StateResponded {
				req.Respond(http.StatusAccepted, nil)
			}
			return
		case OutcomeAccepted:
			accepted = true
		case OutcomeIgnored:
		}
	}

	if accepted {
		req.Respond(http.StatusAccepted, nil)
	} else {
		req.Respond(http.StatusNoContent, nil)
	}
}
