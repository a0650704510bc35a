// contest-proxy-system/services/classifier.go
package services

import (
	"bytes"
	"strings"

	"golang.org/x/net/html"
)

// The backend signals session state purely through the text of the HTML
// page title. That contract is brittle, so all title/form sniffing lives
// here and nowhere else; if ejudge ever rewords a page this file is the
// only thing that changes.

type PageClass int

const (
	PageOK PageClass = iota
	PageInvalidLogin
	PageInvalidSession
	PagePermissionDenied
	PageUnknown
)

func (c PageClass) String() string {
	switch c {
	case PageOK:
		return "ok"
	case PageInvalidLogin:
		return "invalid login"
	case PageInvalidSession:
		return "invalid session"
	case PagePermissionDenied:
		return "permission denied"
	default:
		return "unknown"
	}
}

// ClassifyPage inspects a backend HTML body and reports what session state
// it signals. Unparseable or empty input classifies as PageUnknown.
func ClassifyPage(body []byte) PageClass {
	doc, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return PageUnknown
	}

	title, found := PageTitle(doc)
	if !found {
		return PageUnknown
	}
	switch {
	case title == "Invalid login":
		return PageInvalidLogin
	case strings.HasSuffix(title, "Invalid session"):
		return PageInvalidSession
	case strings.HasSuffix(title, "Permission denied"):
		return PagePermissionDenied
	default:
		return PageOK
	}
}

// HasLoginForm reports whether the page contains an <input name="login">.
// The backend serves its login form in place of the requested page when a
// master session is no longer accepted.
func HasLoginForm(body []byte) bool {
	doc, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return false
	}
	var found bool
	walkHTML(doc, func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "input" && attrValue(n, "name") == "login" {
			found = true
		}
	})
	return found
}

// PageTitle returns the text content of the first <title> element.
func PageTitle(doc *html.Node) (string, bool) {
	var title string
	var found bool
	walkHTML(doc, func(n *html.Node) {
		if found || n.Type != html.ElementNode || n.Data != "title" {
			return
		}
		found = true
		var sb strings.Builder
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if c.Type == html.TextNode {
				sb.WriteString(c.Data)
			}
		}
		title = strings.TrimSpace(sb.String())
	})
	return title, found
}

func parseHTML(body []byte) (*html.Node, error) {
	return html.Parse(bytes.NewReader(body))
}

// walkHTML visits every node of the document in depth-first order.
func walkHTML(n *html.Node, visit func(*html.Node)) {
	visit(n)
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		walkHTML(c, visit)
	}
}

func attrValue(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func setAttr(n *html.Node, key, val string) {
	for i := range n.Attr {
		if n.Attr[i].Key == key {
			n.Attr[i].Val = val
			return
		}
	}
	n.Attr = append(n.Attr, html.Attribute{Key: key, Val: val})
}
