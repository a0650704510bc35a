// contest-proxy-system/services/ejudge_client.go
package services

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// BackendRequest describes one call to an ejudge CGI handler.
// RemoteAddr and Host carry the browser's originating address and host so
// the backend's own logging and redirect generation behave as if it were
// reached directly.
type BackendRequest struct {
	Handler    string // "serve-control" or "new-master"
	Method     string // http.MethodGet or http.MethodPost
	SID        string // session token, added as the SID parameter when set
	Cookie     string // EJSID cookie value, attached when set
	Params     url.Values
	RemoteAddr string
	Host       string
}

// BackendResponse is the parsed backend reply: status, header block, body.
type BackendResponse struct {
	Status int
	Header http.Header
	Body   []byte
}

func (r *BackendResponse) ContentType() string {
	return r.Header.Get("Content-Type")
}

// IsHTML reports whether the response carries an HTML document. The
// backend omits the Content-Type header on some pages, so an undeclared
// type falls back to sniffing the body rather than assuming HTML: a binary
// body must never round-trip through the HTML parser.
func (r *BackendResponse) IsHTML() bool {
	ct := r.ContentType()
	if ct == "" {
		ct = http.DetectContentType(r.Body)
	}
	return strings.HasPrefix(ct, "text/html")
}

// BackendClient issues requests to the ejudge backend. Implementations are
// stateless; session state lives in the store.
type BackendClient interface {
	Call(ctx context.Context, req BackendRequest) (*BackendResponse, error)
}

// encodeParams builds the wire parameter set: caller params plus SID.
func encodeParams(req BackendRequest) url.Values {
	params := url.Values{}
	for k, vs := range req.Params {
		for _, v := range vs {
			params.Add(k, v)
		}
	}
	if req.SID != "" {
		params.Set("SID", req.SID)
	}
	return params
}

// HTTPBackendClient reaches the backend's CGI handlers over HTTP.
type HTTPBackendClient struct {
	BaseURL string // e.g. http://ejudge.internal/cgi-bin
	Client  *http.Client
}

func NewHTTPBackendClient(baseURL string) *HTTPBackendClient {
	return &HTTPBackendClient{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Client: &http.Client{
			Timeout: 20 * time.Second,
			// Redirect responses are protocol data (Location carries the
			// new SID); never follow them.
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

func (c *HTTPBackendClient) Call(ctx context.Context, breq BackendRequest) (*BackendResponse, error) {
	params := encodeParams(breq)
	endpoint := fmt.Sprintf("%s/%s", c.BaseURL, breq.Handler)

	var req *http.Request
	var err error
	if breq.Method == http.MethodPost {
		req, err = http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(params.Encode()))
		if err == nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	} else {
		req, err = http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"?"+params.Encode(), nil)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: build request for %s: %v", ErrBackendUnavailable, breq.Handler, err)
	}

	if breq.Cookie != "" {
		req.AddCookie(&http.Cookie{Name: "EJSID", Value: breq.Cookie})
	}
	if breq.RemoteAddr != "" {
		req.Header.Set("X-Forwarded-For", breq.RemoteAddr)
	}
	if breq.Host != "" {
		req.Host = breq.Host
	}

	resp, err := c.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrBackendUnavailable, breq.Handler, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s response: %v", ErrBackendUnavailable, breq.Handler, err)
	}

	return &BackendResponse{
		Status: resp.StatusCode,
		Header: resp.Header,
		Body:   body,
	}, nil
}

// CGIBackendClient invokes the backend's CGI binaries directly, the way the
// backend's own web server would.
type CGIBackendClient struct {
	CGIRoot string // e.g. /opt/ejudge/libexec/ejudge/cgi-bin
	Timeout time.Duration
}

func NewCGIBackendClient(cgiRoot string) *CGIBackendClient {
	return &CGIBackendClient{
		CGIRoot: strings.TrimRight(cgiRoot, "/"),
		Timeout: 20 * time.Second,
	}
}

func (c *CGIBackendClient) Call(ctx context.Context, breq BackendRequest) (*BackendResponse, error) {
	params := encodeParams(breq)
	query := params.Encode()

	ctx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, fmt.Sprintf("%s/%s", c.CGIRoot, breq.Handler))
	env := []string{
		"REMOTE_ADDR=" + breq.RemoteAddr,
		"SCRIPT_NAME=/cgi-bin/" + breq.Handler,
		"REQUEST_METHOD=" + breq.Method,
	}
	if breq.Host != "" {
		env = append(env, "HTTP_HOST="+breq.Host)
	}
	if breq.Cookie != "" {
		env = append(env, "HTTP_COOKIE=EJSID="+breq.Cookie)
	}
	if breq.Method == http.MethodPost {
		cmd.Stdin = strings.NewReader(query)
		env = append(env,
			"CONTENT_LENGTH="+strconv.Itoa(len(query)),
			"CONTENT_TYPE=application/x-www-form-urlencoded",
		)
	} else {
		env = append(env, "QUERY_STRING="+query)
	}
	cmd.Env = env

	out, err := cmd.Output()
	if err != nil {
		log.Printf("[EjudgeClient] CGI %s failed: %v", breq.Handler, err)
		return nil, fmt.Errorf("%w: run %s: %v", ErrBackendUnavailable, breq.Handler, err)
	}

	resp, err := parseCGIOutput(out)
	if err != nil {
		return nil, fmt.Errorf("%w: parse %s output: %v", ErrBackendUnavailable, breq.Handler, err)
	}
	return resp, nil
}

// parseCGIOutput splits raw CGI stdout into a header block ("Key: Value"
// lines up to the first blank line) and a body. A "Status:" header sets the
// response status; default is 200.
func parseCGIOutput(out []byte) (*BackendResponse, error) {
	normalized := bytes.ReplaceAll(out, []byte("\r\n"), []byte("\n"))
	sep := bytes.Index(normalized, []byte("\n\n"))
	if sep == -1 {
		return nil, fmt.Errorf("no header/body separator")
	}

	header := http.Header{}
	status := http.StatusOK
	for _, line := range strings.Split(string(normalized[:sep]), "\n") {
		key, value, found := strings.Cut(line, ": ")
		if !found {
			return nil, fmt.Errorf("malformed header line %q", line)
		}
		if strings.EqualFold(key, "Status") {
			code, err := strconv.Atoi(strings.SplitN(value, " ", 2)[0])
			if err != nil {
				return nil, fmt.Errorf("malformed Status header %q", value)
			}
			status = code
			continue
		}
		header.Add(key, value)
	}

	return &BackendResponse{
		Status: status,
		Header: header,
		Body:   normalized[sep+2:],
	}, nil
}
