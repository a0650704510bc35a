// contest-proxy-system/handlers/proxy.go
package handlers

import (
	"errors"
	"fmt"
	stdhtml "html"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"contest-proxy-system/middleware"
	"contest-proxy-system/models"
	"contest-proxy-system/services"
	"contest-proxy-system/utils"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/session"
)

// CSRFField is the hidden form field carrying the proxy's anti-forgery
// token, both on the proxy's own login form and injected into backend forms.
const CSRFField = "csrf_token"

const loginPageTemplate = `<!DOCTYPE html>
<html>
<head><title>Contest proxy login</title></head>
<body>
<h1>Log in</h1>
%s<form method="post" action="/login">
<input type="hidden" name="csrf_token" value="%s">
<input type="hidden" name="return_uri" value="%s">
<p><label>Login: <input type="text" name="login"></label></p>
<p><label>Password: <input type="password" name="password"></label></p>
<p><input type="submit" value="Log in"></p>
</form>
</body>
</html>
`

// ProxyHandler wires the proxy's HTTP surface to the session manager,
// rewriter, and store.
type ProxyHandler struct {
	Manager   *services.SessionManager
	Rewriter  *services.ResponseRewriter
	Store     services.SessionStore
	Sessions  *session.Store
	AssetsURL string
}

func SetupProxyRoutes(app *fiber.App, h *ProxyHandler) {
	app.Get("/login", h.LoginPage)
	app.Post("/login", h.Login)
	app.Get("/assets/*", h.Asset)

	secured := app.Group("/", middleware.RequireUser(h.Manager, h.Sessions, func(c *fiber.Ctx, returnURI string) error {
		return h.renderLogin(c, returnURI, "")
	}))
	secured.Get("/", h.Index)
	secured.Get("/contests/:contest_id", h.Contest)
	secured.Get("/contests/:contest_id/runs/:run_id", h.ContestRun)
	secured.All("/cgi-bin/serve-control", h.Passthrough)
	secured.All("/cgi-bin/new-master", h.Passthrough)
}

func (h *ProxyHandler) LoginPage(c *fiber.Ctx) error {
	returnURI := c.Query("return_uri", "/")
	return h.renderLogin(c, returnURI, "")
}

// Login captures credentials, performs the backend login, persists the
// master session, and hands the backend session cookie to the browser with
// a long expiry.
func (h *ProxyHandler) Login(c *fiber.Ctx) error {
	login := c.FormValue("login")
	password := c.FormValue("password")
	returnURI := c.FormValue("return_uri")
	if returnURI == "" {
		returnURI = "/"
	}
	if login == "" || password == "" {
		return h.renderLogin(c, returnURI, "")
	}

	user, err := h.Manager.Login(c.Context(), h.origin(c), login, password)
	if errors.Is(err, services.ErrAuthenticationFailed) {
		c.Status(fiber.StatusUnauthorized)
		return h.renderLogin(c, returnURI, "Invalid credentials")
	}
	if err != nil {
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"error": "login against backend failed"})
	}

	sess, err := h.Sessions.Get(c)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "session storage failed"})
	}
	sess.Set(middleware.MasterSIDKey, user.MasterSID)
	if err := sess.Save(); err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "session storage failed"})
	}

	c.Cookie(&fiber.Cookie{
		Name:     "EJSID",
		Value:    user.SessionCookie,
		Expires:  time.Now().AddDate(1, 0, 0),
		HTTPOnly: true,
	})
	return c.Redirect(returnURI, fiber.StatusFound)
}

// Index forwards the master-session landing page.
func (h *ProxyHandler) Index(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)
	resp, err := h.Manager.Forward(c.Context(), services.BackendRequest{
		Handler:    services.HandlerServeControl,
		Method:     http.MethodGet,
		SID:        user.MasterSID,
		Cookie:     user.SessionCookie,
		RemoteAddr: c.IP(),
		Host:       c.Hostname(),
	})
	if err != nil {
		return h.sessionError(c, err)
	}
	return h.writeBackendResponse(c, resp)
}

// Contest acquires (or refreshes) the per-contest session and forwards the
// contest master page.
func (h *ProxyHandler) Contest(c *fiber.Ctx) error {
	contestID, err := strconv.Atoi(c.Params("contest_id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid contest id"})
	}

	p, err := h.participation(c, contestID)
	if err != nil {
		return h.sessionError(c, err)
	}

	user := c.Locals("user").(*models.User)
	resp, err := h.Manager.Forward(c.Context(), services.BackendRequest{
		Handler:    services.HandlerNewMaster,
		Method:     http.MethodGet,
		SID:        p.SessionToken,
		Cookie:     user.SessionCookie,
		RemoteAddr: c.IP(),
		Host:       c.Hostname(),
	})
	if err != nil {
		return h.sessionError(c, err)
	}
	return h.writeBackendResponse(c, resp)
}

// ContestRun forwards the view-run page inside a contest session.
func (h *ProxyHandler) ContestRun(c *fiber.Ctx) error {
	contestID, err := strconv.Atoi(c.Params("contest_id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid contest id"})
	}
	runID, err := strconv.Atoi(c.Params("run_id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid run id"})
	}

	p, err := h.participation(c, contestID)
	if err != nil {
		return h.sessionError(c, err)
	}

	user := c.Locals("user").(*models.User)
	resp, err := h.Manager.Forward(c.Context(), services.BackendRequest{
		Handler: services.HandlerNewMaster,
		Method:  http.MethodGet,
		SID:     p.SessionToken,
		Cookie:  user.SessionCookie,
		Params: url.Values{
			"action": {strconv.Itoa(services.ActionViewRun)},
			"run_id": {strconv.Itoa(runID)},
		},
		RemoteAddr: c.IP(),
		Host:       c.Hostname(),
	})
	if err != nil {
		return h.sessionError(c, err)
	}
	return h.writeBackendResponse(c, resp)
}

// Passthrough forwards a raw backend handler call with session
// substitution: the caller's SID parameter is used when present, otherwise
// the master SID; the proxy's anti-forgery field never reaches the backend.
func (h *ProxyHandler) Passthrough(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)
	handler := strings.TrimPrefix(c.Path(), "/cgi-bin/")

	params := url.Values{}
	c.Context().QueryArgs().VisitAll(func(k, v []byte) {
		params.Add(string(k), string(v))
	})
	if c.Method() == fiber.MethodPost {
		c.Context().PostArgs().VisitAll(func(k, v []byte) {
			params.Add(string(k), string(v))
		})
	}
	sid := params.Get("SID")
	if sid == "" {
		sid = user.MasterSID
	}
	params.Del("SID")
	params.Del(CSRFField)

	resp, err := h.Manager.Forward(c.Context(), services.BackendRequest{
		Handler:    handler,
		Method:     c.Method(),
		SID:        sid,
		Cookie:     c.Cookies("EJSID"),
		Params:     params,
		RemoteAddr: c.IP(),
		Host:       c.Hostname(),
	})
	if err != nil {
		return h.sessionError(c, err)
	}
	return h.writeBackendResponse(c, resp)
}

// Asset streams a backend static asset through untouched (headers still
// filtered). Only wired when EJUDGE_ASSETS_URL is configured.
func (h *ProxyHandler) Asset(c *fiber.Ctx) error {
	if h.AssetsURL == "" {
		return c.SendStatus(fiber.StatusNotFound)
	}

	target := strings.TrimRight(h.AssetsURL, "/") + "/" + c.Params("*")
	resp, err := utils.HTTPClient.Get(target)
	if err != nil {
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"error": "asset fetch failed"})
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"error": "asset fetch failed"})
	}
	for key, vals := range resp.Header {
		if utils.ForwardableHeader(key) {
			for _, v := range vals {
				c.Append(key, v)
			}
		}
	}
	return c.Status(resp.StatusCode).Send(body)
}

// participation resolves the per-contest session for the current user.
func (h *ProxyHandler) participation(c *fiber.Ctx, contestID int) (*models.Participation, error) {
	user := c.Locals("user").(*models.User)
	return h.Manager.AcquireContestSession(c.Context(), h.origin(c), user, contestID)
}

func (h *ProxyHandler) origin(c *fiber.Ctx) services.Origin {
	return services.Origin{RemoteAddr: c.IP(), Host: c.Hostname()}
}

// writeBackendResponse filters headers, rewrites HTML bodies, and relays
// status and body to the browser.
func (h *ProxyHandler) writeBackendResponse(c *fiber.Ctx, resp *services.BackendResponse) error {
	for key, vals := range resp.Header {
		if utils.ForwardableHeader(key) {
			for _, v := range vals {
				c.Append(key, v)
			}
		}
	}

	body := resp.Body
	if resp.IsHTML() {
		rewritten, err := h.Rewriter.Rewrite(h.rewriteContext(c), body)
		if err != nil {
			log.Printf("❌ [Proxy] rewrite failed for %s: %v", c.Path(), err)
			return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"error": "backend page could not be processed"})
		}
		body = rewritten
		if resp.ContentType() == "" {
			c.Type("html", "utf-8")
		}
	}

	return c.Status(resp.Status).Send(body)
}

func (h *ProxyHandler) rewriteContext(c *fiber.Ctx) *services.RewriteContext {
	return &services.RewriteContext{
		RequestPath: c.OriginalURL(),
		Token: func() (string, error) {
			token, _ := c.Locals(CSRFField).(string)
			if token == "" {
				return "", fmt.Errorf("anti-forgery token unavailable")
			}
			return token, nil
		},
		LoginPath: "/login",
		ContestPath: func(contestID int) string {
			return fmt.Sprintf("/contests/%d", contestID)
		},
		RunPath: func(contestID, runID int) string {
			return fmt.Sprintf("/contests/%d/runs/%d", contestID, runID)
		},
		ResolveToken: func(sid string) (int, bool) {
			p, err := h.Store.FindParticipationByToken(sid)
			if err != nil || p == nil {
				return 0, false
			}
			return p.ContestID, true
		},
	}
}

func (h *ProxyHandler) renderLogin(c *fiber.Ctx, returnURI, message string) error {
	token, _ := c.Locals(CSRFField).(string)
	banner := ""
	if message != "" {
		banner = "<p><strong>" + stdhtml.EscapeString(message) + "</strong></p>\n"
	}
	page := fmt.Sprintf(loginPageTemplate,
		banner,
		stdhtml.EscapeString(token),
		stdhtml.EscapeString(returnURI),
	)
	c.Type("html", "utf-8")
	return c.SendString(page)
}

// sessionError maps the session-protocol taxonomy onto the proxy surface.
func (h *ProxyHandler) sessionError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, services.ErrAuthenticationFailed):
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "authentication failed"})
	case errors.Is(err, services.ErrPermissionDenied):
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": "contest not accessible"})
	case errors.Is(err, services.ErrBackendUnavailable):
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"error": "backend unavailable"})
	default:
		log.Printf("❌ [Proxy] %s failed: %v", c.Path(), err)
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"error": "backend protocol error"})
	}
}
