// Package apiclient provides fast in-process access to the /data REST
// surface, grounded on core/client/client.go's pattern of driving a
// mux.Router through an httptest.Recorder instead of marshalling real
// HTTP. It lets code call feathers through the same routes without
// duplicating httpapi's route logic; within this repository only the
// httpapi integration suite uses it.
package apiclient

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"

	"github.com/featherbone/server/internal/access"
)

// Client talks to the featherbone HTTP surface either directly through a
// mux.Router (loop-back, no socket involved) or over real HTTP against a
// base URL, mirroring the teacher's dual-mode client.
type Client struct {
	router     *mux.Router
	httpClient *http.Client
	baseURL    string
	token      string
	auth       *access.Authorization
	ctx        context.Context
}

// NewWithRouter returns a loop-back client dispatching directly into router.
func NewWithRouter(router *mux.Router) Client {
	return Client{router: router}
}

// NewWithURL returns a client making real HTTP requests against baseURL.
func NewWithURL(baseURL string) Client {
	return Client{baseURL: baseURL, httpClient: &http.Client{Timeout: 20 * time.Second}}
}

// WithToken returns a copy of c that authenticates with a bearer token
// (only meaningful for a NewWithURL client).
func (c Client) WithToken(token string) Client {
	c.token = token
	return c
}

// WithAuthorization returns a copy of c that carries auth directly in the
// request context (only meaningful for a NewWithRouter client, since a
// real HTTP hop can't smuggle a Go value across the wire).
func (c Client) WithAuthorization(auth *access.Authorization) Client {
	c.auth = auth
	return c
}

// WithContext returns a copy of c using ctx as the base request context.
func (c Client) WithContext(ctx context.Context) Client {
	c.ctx = ctx
	return c
}

func (c Client) context() context.Context {
	ctx := c.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	if c.auth != nil {
		ctx = access.ContextWithAuthorization(ctx, c.auth)
	}
	return ctx
}

// Feather returns a handle scoped to one feather's /data collection.
func (c Client) Feather(name string) Collection {
	return Collection{client: &c, feather: name}
}

// Collection is a fluent builder for one feather's /data requests.
type Collection struct {
	client     *Client
	feather    string
	parameters []string
}

// WithFilter adds a filter=key=value query parameter, per spec.md §6's
// filter syntax.
func (r Collection) WithFilter(key, value string) Collection {
	return r.WithParameter("filter", key+"="+value)
}

// WithParameter adds an arbitrary URL query parameter.
func (r Collection) WithParameter(key, value string) Collection {
	r.parameters = append(append([]string{}, r.parameters...), url.QueryEscape(key)+"="+url.QueryEscape(value))
	return r
}

func (r Collection) collectionPath() string {
	path := "/data/" + r.feather
	if len(r.parameters) > 0 {
		path += "?" + strings.Join(r.parameters, "&")
	}
	return path
}

func (r Collection) itemPath(id string) string {
	return "/data/" + r.feather + "/" + id
}

// Get fetches id and decodes it into result.
func (r Collection) Get(id string, result any) (int, error) {
	return r.client.do(http.MethodGet, r.itemPath(id), nil, result)
}

// List fetches the collection (honoring any WithFilter/WithParameter
// calls) and decodes it into result, normally a *[]map[string]any.
func (r Collection) List(result any) (int, error) {
	return r.client.do(http.MethodGet, r.collectionPath(), nil, result)
}

// Create issues a POST against the collection.
func (r Collection) Create(body, result any) (int, error) {
	return r.client.do(http.MethodPost, r.collectionPath(), body, result)
}

// Patch issues a PATCH (an RFC-6902 document) against a single item.
func (r Collection) Patch(id string, patch []byte, result any) (int, error) {
	return r.client.do(http.MethodPatch, r.itemPath(id), patch, result)
}

// Delete issues a DELETE against a single item.
func (r Collection) Delete(id string) (int, error) {
	return r.client.do(http.MethodDelete, r.itemPath(id), nil, nil)
}

// Do issues an arbitrary request against path, for the route families
// Collection has no fluent builder for (/feather, /do, /sse, /settings,
// /workbook). body may be nil, a []byte (sent verbatim, e.g. a JSON Patch
// document), or any JSON-marshalable value. result, if non-nil, receives
// the decoded response body (or the raw bytes if result is a *[]byte).
func (c Client) Do(method, path string, body, result any) (int, error) {
	return c.do(method, path, body, result)
}

func (c Client) do(method, path string, body, result any) (int, error) {
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case []byte:
		reader = bytes.NewReader(b)
	default:
		encoded, err := json.Marshal(b)
		if err != nil {
			return http.StatusBadRequest, err
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(c.context(), method, c.baseURL+path, reader)
	if err != nil {
		return http.StatusInternalServerError, err
	}
	req.Header.Set("Content-Type", "application/json")

	var status int
	var resBody []byte
	if c.router != nil {
		rec := httptest.NewRecorder()
		c.router.ServeHTTP(rec, req)
		status = rec.Code
		resBody = rec.Body.Bytes()
	} else {
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}
		res, err := c.httpClient.Do(req)
		if err != nil {
			return http.StatusInternalServerError, err
		}
		defer res.Body.Close()
		status = res.StatusCode
		buf := new(bytes.Buffer)
		if _, err := buf.ReadFrom(res.Body); err != nil {
			return status, err
		}
		resBody = buf.Bytes()
	}

	if status >= 300 {
		return status, fmt.Errorf("apiclient: %s %s: status %d: %s", method, path, status, strings.TrimSpace(string(resBody)))
	}
	if result != nil && len(resBody) > 0 {
		if raw, ok := result.(*[]byte); ok {
			*raw = resBody
		} else if err := json.Unmarshal(resBody, result); err != nil {
			return status, err
		}
	}
	return status, nil
}
