// contest-proxy-system/services/rewriter.go
package services

import (
	"bytes"
	"fmt"
	"net/url"
	"path"
	"strconv"
	"strings"

	"golang.org/x/net/html"
)

// RewriteContext carries the request-scoped inputs a rewrite pass needs.
// Everything is passed explicitly; stages never reach into ambient request
// state.
type RewriteContext struct {
	// RequestPath is the proxy path being served, embedded into redirected
	// login forms as their return target.
	RequestPath string

	// Token lazily obtains one anti-forgery token; the injector calls it at
	// most once per document.
	Token func() (string, error)

	// LoginPath is the proxy's own login route.
	LoginPath string

	// ContestPath and RunPath build the proxy's contest and run routes.
	ContestPath func(contestID int) string
	RunPath     func(contestID, runID int) string

	// ResolveToken maps a backend per-contest SID to its contest id.
	// Unresolvable tokens leave the link untouched.
	ResolveToken func(sid string) (int, bool)
}

// RewriteStage is one transformation over the parsed document. Stages are
// independent and composable; each receives the live tree and may only
// mutate targeted attributes or insert hidden fields.
type RewriteStage interface {
	Apply(rc *RewriteContext, doc *html.Node) error
}

// ResponseRewriter applies an ordered stage chain to backend HTML before it
// reaches the browser. The chain is configured once at startup.
type ResponseRewriter struct {
	stages []RewriteStage
}

func NewResponseRewriter(stages ...RewriteStage) *ResponseRewriter {
	return &ResponseRewriter{stages: stages}
}

// DefaultStages is the production chain: anti-forgery injection first, then
// login-form redirection, then link retargeting.
func DefaultStages(fieldName string) []RewriteStage {
	return []RewriteStage{
		&AntiForgeryInjector{FieldName: fieldName},
		&LoginFormRedirector{LoginHandler: HandlerServeControl},
		&LinkRetargeter{ContestHandler: HandlerNewMaster},
	}
}

// Rewrite parses the document, runs every stage in order, and re-renders.
// Callers apply it only to HTML responses.
func (r *ResponseRewriter) Rewrite(rc *RewriteContext, body []byte) ([]byte, error) {
	doc, err := parseHTML(body)
	if err != nil {
		return nil, fmt.Errorf("parse backend html: %w", err)
	}
	for _, stage := range r.stages {
		if err := stage.Apply(rc, doc); err != nil {
			return nil, err
		}
	}
	var buf bytes.Buffer
	if err := html.Render(&buf, doc); err != nil {
		return nil, fmt.Errorf("render rewritten html: %w", err)
	}
	return buf.Bytes(), nil
}

// AntiForgeryInjector prepends a hidden token field to every POST form with
// at least one child. One token serves the whole document, and forms that
// already carry the field are skipped so a double pass cannot insert two.
type AntiForgeryInjector struct {
	FieldName string
}

func (s *AntiForgeryInjector) Apply(rc *RewriteContext, doc *html.Node) error {
	var token string
	var applyErr error
	walkHTML(doc, func(n *html.Node) {
		if applyErr != nil || !isPostForm(n) || n.FirstChild == nil {
			return
		}
		if hasInputNamed(n, s.FieldName) {
			return
		}
		if token == "" {
			token, applyErr = rc.Token()
			if applyErr != nil {
				return
			}
		}
		field := &html.Node{
			Type: html.ElementNode,
			Data: "input",
			Attr: []html.Attribute{
				{Key: "type", Val: "hidden"},
				{Key: "name", Val: s.FieldName},
				{Key: "value", Val: token},
			},
		}
		n.InsertBefore(field, n.FirstChild)
	})
	return applyErr
}

// LoginFormRedirector points backend login forms at the proxy's own login
// route, so a captured login drives the proxy's session-creation flow
// instead of minting a native backend session.
type LoginFormRedirector struct {
	LoginHandler string
}

func (s *LoginFormRedirector) Apply(rc *RewriteContext, doc *html.Node) error {
	walkHTML(doc, func(n *html.Node) {
		if n.Type != html.ElementNode || n.Data != "form" {
			return
		}
		if !targetsHandler(attrValue(n, "action"), s.LoginHandler) {
			return
		}
		if !hasInputNamed(n, "login") || !hasInputNamed(n, "password") {
			return
		}
		setAttr(n, "action", rc.LoginPath)
		if !hasInputNamed(n, "return_uri") && n.FirstChild != nil {
			ret := &html.Node{
				Type: html.ElementNode,
				Data: "input",
				Attr: []html.Attribute{
					{Key: "type", Val: "hidden"},
					{Key: "name", Val: "return_uri"},
					{Key: "value", Val: rc.RequestPath},
				},
			}
			n.InsertBefore(ret, n.FirstChild)
		}
	})
	return nil
}

// LinkRetargeter rewrites backend contest-switch and view-run links to the
// proxy's native routes, resolving per-contest SIDs through the session
// store. A link whose token cannot be resolved is left alone rather than
// breaking the page.
type LinkRetargeter struct {
	ContestHandler string
}

func (s *LinkRetargeter) Apply(rc *RewriteContext, doc *html.Node) error {
	walkHTML(doc, func(n *html.Node) {
		if n.Type != html.ElementNode || n.Data != "a" {
			return
		}
		href := attrValue(n, "href")
		if href == "" {
			return
		}
		u, err := url.Parse(href)
		if err != nil {
			return
		}
		if !u.IsAbs() && !strings.HasPrefix(u.Path, "/") {
			return
		}
		if path.Base(u.Path) != s.ContestHandler {
			return
		}

		q := u.Query()
		contestID, ok := s.resolveContest(rc, q)
		if !ok {
			return
		}

		switch q.Get("action") {
		case strconv.Itoa(ActionSwitchContest):
			setAttr(n, "href", rc.ContestPath(contestID))
		case strconv.Itoa(ActionViewRun):
			runID, err := strconv.Atoi(q.Get("run_id"))
			if err != nil {
				return
			}
			setAttr(n, "href", rc.RunPath(contestID, runID))
		}
	})
	return nil
}

// resolveContest finds the contest a link belongs to: its own contest_id
// parameter when present, else a store lookup on its SID.
func (s *LinkRetargeter) resolveContest(rc *RewriteContext, q url.Values) (int, bool) {
	if raw := q.Get("contest_id"); raw != "" {
		id, err := strconv.Atoi(raw)
		return id, err == nil
	}
	if sid := q.Get("SID"); sid != "" && rc.ResolveToken != nil {
		return rc.ResolveToken(sid)
	}
	return 0, false
}

func isPostForm(n *html.Node) bool {
	return n.Type == html.ElementNode && n.Data == "form" &&
		strings.EqualFold(attrValue(n, "method"), "post")
}

func hasInputNamed(form *html.Node, name string) bool {
	var found bool
	walkHTML(form, func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "input" && attrValue(n, "name") == name {
			found = true
		}
	})
	return found
}

// targetsHandler reports whether a form action points at the named backend
// handler, by final path segment.
func targetsHandler(action, handler string) bool {
	if action == "" {
		return false
	}
	u, err := url.Parse(action)
	if err != nil {
		return false
	}
	return path.Base(u.Path) == handler
}
