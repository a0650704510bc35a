// contest-proxy-system/services/session_manager.go
package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"regexp"
	"strconv"

	"contest-proxy-system/models"
)

// Backend handler names and actions. serve-control carries the master
// session; new-master carries per-contest sessions.
const (
	HandlerServeControl = "serve-control"
	HandlerNewMaster    = "new-master"

	ActionSwitchContest = 3
	ActionViewRun       = 36
)

// ejsidPattern is the strict shape of the backend's Set-Cookie value: a hex
// cookie optionally followed by attributes.
var ejsidPattern = regexp.MustCompile(`^EJSID=([0-9a-f]+)(;.*)?$`)

// Origin is the browser-facing side of a request, propagated to the backend
// so its logging and redirect generation behave as if reached directly.
type Origin struct {
	RemoteAddr string
	Host       string
}

// SessionManager owns the backend session lifecycle: login, master-session
// resolution, and lazy per-contest session acquisition with transparent
// recreation when the backend reports a token stale.
type SessionManager struct {
	Store   SessionStore
	Backend BackendClient
}

func NewSessionManager(store SessionStore, backend BackendClient) *SessionManager {
	return &SessionManager{Store: store, Backend: backend}
}

// call forwards to the backend client, retrying exactly once when the
// backend is unreachable. Session-store writes only ever follow a
// definitive response, so the retry cannot leave partial state behind.
func (m *SessionManager) call(ctx context.Context, req BackendRequest) (*BackendResponse, error) {
	resp, err := m.Backend.Call(ctx, req)
	if errors.Is(err, ErrBackendUnavailable) {
		log.Printf("[Session] backend unavailable on %s, retrying once: %v", req.Handler, err)
		resp, err = m.Backend.Call(ctx, req)
	}
	return resp, err
}

// Forward performs one backend call on behalf of a request handler, under
// the same retry-once policy the session lifecycle uses.
func (m *SessionManager) Forward(ctx context.Context, req BackendRequest) (*BackendResponse, error) {
	return m.call(ctx, req)
}

// Login authenticates against serve-control and persists the issued master
// session. On success the returned User carries the fresh SID/cookie pair.
func (m *SessionManager) Login(ctx context.Context, origin Origin, login, password string) (*models.User, error) {
	resp, err := m.call(ctx, BackendRequest{
		Handler:    HandlerServeControl,
		Method:     http.MethodPost,
		Params:     url.Values{"login": {login}, "password": {password}},
		RemoteAddr: origin.RemoteAddr,
		Host:       origin.Host,
	})
	if err != nil {
		return nil, err
	}

	if ClassifyPage(resp.Body) == PageInvalidLogin {
		return nil, ErrAuthenticationFailed
	}

	sid := locationSID(resp)
	match := ejsidPattern.FindStringSubmatch(resp.Header.Get("Set-Cookie"))
	if sid == "" || match == nil {
		logProtocolViolation("login", resp)
		return nil, fmt.Errorf("%w: login reply was neither a session redirect nor an invalid-login page", ErrProtocolViolation)
	}
	cookie := match[1]

	user, err := m.Store.CreateOrGetUser(sid, cookie)
	if err != nil {
		return nil, err
	}
	log.Printf("[Session] user %d logged in, master session refreshed", user.ID)
	return user, nil
}

// ResolveUser maps a stored master SID + cookie back to its User row,
// probing the backend for liveness. A stale or unknown session resolves to
// (nil, nil): the caller re-prompts for login.
func (m *SessionManager) ResolveUser(ctx context.Context, origin Origin, masterSID, cookie string) (*models.User, error) {
	if masterSID == "" {
		return nil, nil
	}

	resp, err := m.call(ctx, BackendRequest{
		Handler:    HandlerServeControl,
		Method:     http.MethodGet,
		SID:        masterSID,
		Cookie:     cookie,
		RemoteAddr: origin.RemoteAddr,
		Host:       origin.Host,
	})
	if err != nil {
		return nil, err
	}
	if HasLoginForm(resp.Body) {
		// Backend answered with its login page: master session expired.
		return nil, nil
	}

	return m.Store.FindUserByMasterSID(masterSID)
}

// AcquireContestSession returns a live per-contest session token for the
// user, probing any stored one and transparently replacing it when the
// backend reports it invalid. A stale row is deleted before its
// replacement is created, so two rows never coexist for one contest.
func (m *SessionManager) AcquireContestSession(ctx context.Context, origin Origin, user *models.User, contestID int) (*models.Participation, error) {
	p, err := m.Store.FindParticipation(user.ID, contestID)
	if err != nil {
		return nil, err
	}
	if p != nil {
		resp, err := m.call(ctx, BackendRequest{
			Handler:    HandlerNewMaster,
			Method:     http.MethodGet,
			SID:        p.SessionToken,
			Cookie:     user.SessionCookie,
			RemoteAddr: origin.RemoteAddr,
			Host:       origin.Host,
		})
		if err != nil {
			return nil, err
		}
		if ClassifyPage(resp.Body) != PageInvalidSession {
			return p, nil
		}
		log.Printf("[Session] contest %d session stale for user %d, recreating", contestID, user.ID)
		if err := m.Store.DeleteParticipation(p); err != nil {
			return nil, err
		}
	}

	resp, err := m.call(ctx, BackendRequest{
		Handler: HandlerNewMaster,
		Method:  http.MethodGet,
		SID:     user.MasterSID,
		Cookie:  user.SessionCookie,
		Params: url.Values{
			"action":     {strconv.Itoa(ActionSwitchContest)},
			"contest_id": {strconv.Itoa(contestID)},
		},
		RemoteAddr: origin.RemoteAddr,
		Host:       origin.Host,
	})
	if err != nil {
		return nil, err
	}

	if sid := locationSID(resp); sid != "" {
		return m.Store.CreateParticipation(user.ID, contestID, sid)
	}
	if ClassifyPage(resp.Body) == PagePermissionDenied {
		return nil, fmt.Errorf("%w: contest %d", ErrPermissionDenied, contestID)
	}
	logProtocolViolation("contest login", resp)
	return nil, fmt.Errorf("%w: contest login reply carried no session redirect", ErrProtocolViolation)
}

// locationSID extracts the SID parameter from a redirect's Location query.
func locationSID(resp *BackendResponse) string {
	loc := resp.Header.Get("Location")
	if loc == "" {
		return ""
	}
	u, err := url.Parse(loc)
	if err != nil {
		return ""
	}
	return u.Query().Get("SID")
}

// logProtocolViolation records enough response context to diagnose a
// backend contract change.
func logProtocolViolation(op string, resp *BackendResponse) {
	title := ""
	if doc, err := parseHTML(resp.Body); err == nil {
		title, _ = PageTitle(doc)
	}
	log.Printf("❌ [Session] protocol violation during %s: status=%d location=%q title=%q body=%dB",
		op, resp.Status, resp.Header.Get("Location"), title, len(resp.Body))
}
