package handlers

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"contest-proxy-system/services"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/session"
)

// stubEjudge mimics the backend's session protocol: serve-control login and
// master pages, new-master contest switching and contest pages.
func stubEjudge(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()

	mux.HandleFunc("/serve-control", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			r.ParseForm()
			if r.PostForm.Get("login") == "alice" && r.PostForm.Get("password") == "secret" {
				w.Header().Set("Location", "/cgi-bin/serve-control?SID=abc123")
				w.Header().Set("Set-Cookie", "EJSID=deadbeef; Path=/cgi-bin")
				w.WriteHeader(http.StatusFound)
				return
			}
			w.Write([]byte("<html><head><title>Invalid login</title></head><body></body></html>"))
			return
		}
		if r.URL.Query().Get("SID") == "abc123" {
			w.Header().Set("Content-Type", "text/html")
			w.Write([]byte(`<html><head><title>serve-control: main page</title></head><body>
<a href="/cgi-bin/new-master?action=3&contest_id=5">Contest 5</a>
</body></html>`))
			return
		}
		w.Write([]byte(`<html><head><title>ejudge login</title></head><body>
<form method="post" action="/cgi-bin/serve-control"><input name="login"><input name="password"></form>
</body></html>`))
	})

	mux.HandleFunc("/new-master", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		switch {
		case q.Get("action") == "3":
			if q.Get("SID") != "abc123" {
				w.Write([]byte("<html><head><title>ejudge priv: Invalid session</title></head><body></body></html>"))
				return
			}
			if q.Get("contest_id") == "9" {
				w.Write([]byte("<html><head><title>ejudge priv: Permission denied</title></head><body></body></html>"))
				return
			}
			w.Header().Set("Location", "/cgi-bin/new-master?SID=zzz999")
			w.WriteHeader(http.StatusFound)
		case q.Get("SID") == "zzz999":
			w.Header().Set("Content-Type", "text/html")
			w.Header().Set("Server", "ejudge")
			w.Write([]byte(`<html><head><title>contest 5 master page</title></head><body>
<a href="/cgi-bin/new-master?SID=zzz999&action=36&run_id=42">Run 42</a>
<form method="post" action="/cgi-bin/new-master"><input name="run_id"></form>
</body></html>`))
		default:
			w.Write([]byte("<html><head><title>ejudge priv: Invalid session</title></head><body></body></html>"))
		}
	})

	return httptest.NewServer(mux)
}

// recordedCall captures one request the stub backend saw.
type recordedCall struct {
	path   string
	method string
	query  url.Values
	form   url.Values
	cookie string
}

var pngBytes = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n', 0x00, 0x01, 0x02, 0xfe}

// stubRecordingEjudge serves the login and session-resolution protocol and records every
// other request it receives for assertions on the forwarded shape.
func stubRecordingEjudge(t *testing.T, calls *[]recordedCall) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()

	record := func(r *http.Request) {
		r.ParseForm()
		cookie := ""
		if c, err := r.Cookie("EJSID"); err == nil {
			cookie = c.Value
		}
		*calls = append(*calls, recordedCall{
			path:   r.URL.Path,
			method: r.Method,
			query:  r.URL.Query(),
			form:   r.PostForm,
			cookie: cookie,
		})
	}

	mux.HandleFunc("/serve-control", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			r.ParseForm()
			if r.PostForm.Get("login") == "alice" {
				w.Header().Set("Location", "/cgi-bin/serve-control?SID=abc123")
				w.Header().Set("Set-Cookie", "EJSID=deadbeef; Path=/cgi-bin")
				w.WriteHeader(http.StatusFound)
				return
			}
		}
		record(r)
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte("<html><head><title>serve-control: main page</title></head><body></body></html>"))
	})

	mux.HandleFunc("/new-master", func(w http.ResponseWriter, r *http.Request) {
		record(r)
		if r.URL.Query().Get("raw") == "1" {
			w.Header()["Content-Type"] = nil // no declared type, no sniffing
			w.Write(pngBytes)
			return
		}
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte("<html><head><title>contest page</title></head><body></body></html>"))
	})

	return httptest.NewServer(mux)
}

func newTestApp(store services.SessionStore, backendURL, assetsURL string) *fiber.App {
	app := fiber.New()
	sessions := session.New()

	// Stand-in for the csrf middleware's token provider.
	app.Use(func(c *fiber.Ctx) error {
		c.Locals(CSRFField, "test-csrf")
		return c.Next()
	})

	manager := services.NewSessionManager(store, services.NewHTTPBackendClient(backendURL))
	rewriter := services.NewResponseRewriter(services.DefaultStages(CSRFField)...)
	SetupProxyRoutes(app, &ProxyHandler{
		Manager:  manager,
		Rewriter: rewriter,
		Store:     store,
		Sessions:  sessions,
		AssetsURL: assetsURL,
	})
	return app
}

func postLogin(t *testing.T, app *fiber.App, returnURI string) *http.Response {
	t.Helper()
	form := url.Values{
		"login":      {"alice"},
		"password":   {"secret"},
		"return_uri": {returnURI},
	}
	req := httptest.NewRequest(http.MethodPost, "/login", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := app.Test(req, 10000)
	if err != nil {
		t.Fatalf("login request failed: %v", err)
	}
	return resp
}

func withCookies(req *http.Request, from *http.Response) *http.Request {
	for _, c := range from.Cookies() {
		req.AddCookie(&http.Cookie{Name: c.Name, Value: c.Value})
	}
	return req
}

func TestLoginFlow(t *testing.T) {
	backend := stubEjudge(t)
	defer backend.Close()
	store := services.NewMemorySessionStore()
	app := newTestApp(store, backend.URL, "")

	resp := postLogin(t, app, "/contests/5")

	if resp.StatusCode != http.StatusFound {
		t.Fatalf("expected 302, got %d", resp.StatusCode)
	}
	if loc := resp.Header.Get("Location"); loc != "/contests/5" {
		t.Errorf("expected redirect to the original target, got %q", loc)
	}

	user, err := store.FindUserByMasterSID("abc123")
	if err != nil || user == nil {
		t.Fatalf("expected a stored user for the issued SID, got (%v, %v)", user, err)
	}
	if user.SessionCookie != "deadbeef" {
		t.Errorf("expected the backend cookie to be stored, got %q", user.SessionCookie)
	}

	var ejsid *http.Cookie
	for _, c := range resp.Cookies() {
		if c.Name == "EJSID" {
			ejsid = c
		}
	}
	if ejsid == nil || ejsid.Value != "deadbeef" {
		t.Fatalf("expected an EJSID browser cookie, got %v", ejsid)
	}
	if ejsid.Expires.Before(time.Now().AddDate(0, 11, 0)) {
		t.Errorf("expected a long-lived cookie, expires %v", ejsid.Expires)
	}
}

func TestInvalidLoginReprompts(t *testing.T) {
	backend := stubEjudge(t)
	defer backend.Close()
	store := services.NewMemorySessionStore()
	app := newTestApp(store, backend.URL, "")

	form := url.Values{"login": {"alice"}, "password": {"wrong"}}
	req := httptest.NewRequest(http.MethodPost, "/login", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := app.Test(req, 10000)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}

	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "Invalid credentials") {
		t.Error("expected the login page to carry the failure message")
	}
	if u, _ := store.FindUserByMasterSID("abc123"); u != nil {
		t.Error("no user may be created on failed login")
	}
}

func TestUnauthenticatedRequestGetsLoginPage(t *testing.T) {
	backend := stubEjudge(t)
	defer backend.Close()
	app := newTestApp(services.NewMemorySessionStore(), backend.URL, "")

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/contests/5", nil), 10000)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 login page, got %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), `action="/login"`) {
		t.Error("expected the proxy login form")
	}
	if !strings.Contains(string(body), `name="return_uri" value="/contests/5"`) {
		t.Error("expected the original URL as the return target")
	}
}

func TestContestViewCreatesParticipationAndRewrites(t *testing.T) {
	backend := stubEjudge(t)
	defer backend.Close()
	store := services.NewMemorySessionStore()
	app := newTestApp(store, backend.URL, "")

	login := postLogin(t, app, "/")

	req := withCookies(httptest.NewRequest(http.MethodGet, "/contests/5", nil), login)
	resp, err := app.Test(req, 10000)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	user, _ := store.FindUserByMasterSID("abc123")
	p, err := store.FindParticipation(user.ID, 5)
	if err != nil || p == nil {
		t.Fatalf("expected a participation for contest 5, got (%v, %v)", p, err)
	}
	if p.SessionToken != "zzz999" {
		t.Errorf("expected the issued contest token to be stored, got %q", p.SessionToken)
	}
	ps, _ := store.Participations()
	if len(ps) != 1 {
		t.Errorf("expected exactly one participation row, got %d", len(ps))
	}

	body, _ := io.ReadAll(resp.Body)
	html := string(body)
	if !strings.Contains(html, `href="/contests/5/runs/42"`) {
		t.Errorf("expected the run link to be retargeted, got: %s", html)
	}
	if !strings.Contains(html, `name="csrf_token" value="test-csrf"`) {
		t.Error("expected the anti-forgery token in the backend form")
	}
	if resp.Header.Get("Server") != "" {
		t.Error("backend Server header must not be forwarded")
	}

	// A second visit reuses the live session and creates no new row.
	req = withCookies(httptest.NewRequest(http.MethodGet, "/contests/5", nil), login)
	if _, err := app.Test(req, 10000); err != nil {
		t.Fatalf("second request failed: %v", err)
	}
	ps, _ = store.Participations()
	if len(ps) != 1 {
		t.Errorf("expected the participation to be reused, got %d rows", len(ps))
	}
}

func TestContestPermissionDenied(t *testing.T) {
	backend := stubEjudge(t)
	defer backend.Close()
	store := services.NewMemorySessionStore()
	app := newTestApp(store, backend.URL, "")

	login := postLogin(t, app, "/")

	req := withCookies(httptest.NewRequest(http.MethodGet, "/contests/9", nil), login)
	resp, err := app.Test(req, 10000)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("expected 403, got %d", resp.StatusCode)
	}
	ps, _ := store.Participations()
	if len(ps) != 0 {
		t.Errorf("no participation may be created on denial, got %d", len(ps))
	}
}

func TestIndexForwardsMasterSession(t *testing.T) {
	backend := stubEjudge(t)
	defer backend.Close()
	store := services.NewMemorySessionStore()
	app := newTestApp(store, backend.URL, "")

	login := postLogin(t, app, "/")

	req := withCookies(httptest.NewRequest(http.MethodGet, "/", nil), login)
	resp, err := app.Test(req, 10000)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), `href="/contests/5"`) {
		t.Errorf("expected the contest link to be retargeted, got: %s", body)
	}
}

func TestPassthroughSessionHandling(t *testing.T) {
	var calls []recordedCall
	backend := stubRecordingEjudge(t, &calls)
	defer backend.Close()
	store := services.NewMemorySessionStore()
	app := newTestApp(store, backend.URL, "")

	login := postLogin(t, app, "/")

	find := func(path string, match func(recordedCall) bool) *recordedCall {
		for i := range calls {
			if calls[i].path == path && match(calls[i]) {
				return &calls[i]
			}
		}
		return nil
	}

	t.Run("master SID substituted when the caller sends none", func(t *testing.T) {
		calls = nil
		req := withCookies(httptest.NewRequest(http.MethodGet,
			"/cgi-bin/serve-control?action=55&csrf_token=test-csrf", nil), login)
		resp, err := app.Test(req, 10000)
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("expected 200, got %d", resp.StatusCode)
		}
		fw := find("/serve-control", func(c recordedCall) bool { return c.query.Get("action") == "55" })
		if fw == nil {
			t.Fatal("the backend never saw the forwarded request")
		}
		if got := fw.query.Get("SID"); got != "abc123" {
			t.Errorf("expected the master SID to be substituted, got %q", got)
		}
		if fw.query.Has("csrf_token") {
			t.Error("the anti-forgery field must be stripped before forwarding")
		}
		if fw.cookie != "deadbeef" {
			t.Errorf("expected the EJSID cookie to travel with the request, got %q", fw.cookie)
		}
	})

	t.Run("caller SID forwarded on GET", func(t *testing.T) {
		calls = nil
		req := withCookies(httptest.NewRequest(http.MethodGet,
			"/cgi-bin/new-master?SID=caller999&action=36&run_id=7&csrf_token=test-csrf", nil), login)
		resp, err := app.Test(req, 10000)
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("expected 200, got %d", resp.StatusCode)
		}
		fw := find("/new-master", func(c recordedCall) bool { return c.method == http.MethodGet })
		if fw == nil {
			t.Fatal("the backend never saw the forwarded request")
		}
		if got := fw.query.Get("SID"); got != "caller999" {
			t.Errorf("expected the caller's SID to be forwarded, got %q", got)
		}
		if got := fw.query.Get("run_id"); got != "7" {
			t.Errorf("expected the remaining params to survive, got run_id=%q", got)
		}
		if fw.query.Has("csrf_token") {
			t.Error("the anti-forgery field must be stripped before forwarding")
		}
	})

	t.Run("caller SID forwarded and token stripped from POST body", func(t *testing.T) {
		calls = nil
		form := url.Values{
			"SID":        {"caller999"},
			"run_id":     {"42"},
			"csrf_token": {"test-csrf"},
		}
		req := withCookies(httptest.NewRequest(http.MethodPost,
			"/cgi-bin/new-master", strings.NewReader(form.Encode())), login)
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		resp, err := app.Test(req, 10000)
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("expected 200, got %d", resp.StatusCode)
		}
		fw := find("/new-master", func(c recordedCall) bool { return c.method == http.MethodPost })
		if fw == nil {
			t.Fatal("the backend never saw the forwarded request")
		}
		if got := fw.form.Get("SID"); got != "caller999" {
			t.Errorf("expected the caller's SID in the POST body, got %q", got)
		}
		if got := fw.form.Get("run_id"); got != "42" {
			t.Errorf("expected the form fields to survive, got run_id=%q", got)
		}
		if fw.form.Has("csrf_token") {
			t.Error("the anti-forgery field must be stripped before forwarding")
		}
	})
}

func TestPassthroughLeavesBinaryBodyUntouched(t *testing.T) {
	var calls []recordedCall
	backend := stubRecordingEjudge(t, &calls)
	defer backend.Close()
	store := services.NewMemorySessionStore()
	app := newTestApp(store, backend.URL, "")

	login := postLogin(t, app, "/")

	req := withCookies(httptest.NewRequest(http.MethodGet, "/cgi-bin/new-master?raw=1", nil), login)
	resp, err := app.Test(req, 10000)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !bytes.Equal(body, pngBytes) {
		t.Errorf("undeclared binary body must pass through byte for byte, got %v", body)
	}
}

func TestAssetPassthrough(t *testing.T) {
	assets := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/css/style.css" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/css")
		w.Header().Set("Server", "nginx")
		w.Write([]byte("body{margin:0}"))
	}))
	defer assets.Close()
	backend := stubEjudge(t)
	defer backend.Close()
	app := newTestApp(services.NewMemorySessionStore(), backend.URL, assets.URL)

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/assets/css/style.css", nil), 10000)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "body{margin:0}" {
		t.Errorf("expected the asset body to pass through, got %q", body)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/css") {
		t.Errorf("expected the asset content type, got %q", ct)
	}
	if resp.Header.Get("Server") != "" {
		t.Error("upstream Server header must not be forwarded")
	}
}

func TestAssetNotFoundWithoutUpstream(t *testing.T) {
	backend := stubEjudge(t)
	defer backend.Close()
	app := newTestApp(services.NewMemorySessionStore(), backend.URL, "")

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/assets/css/style.css", nil), 10000)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404 when no asset upstream is configured, got %d", resp.StatusCode)
	}
}
