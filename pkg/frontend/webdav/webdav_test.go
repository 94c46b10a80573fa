package webdav

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drivegate/drivegate/pkg/drivefs"
	"github.com/drivegate/drivegate/pkg/frontend"
	"github.com/drivegate/drivegate/pkg/perm"
	"github.com/drivegate/drivegate/pkg/remote/memory"
)

// newFixture wires a WebDAV server over an in-memory drive with one
// read-only catch-all rule, matching a typical shared folder.
func newFixture(t *testing.T, rules []perm.Rule) (*Server, *memory.Driver) {
	t.Helper()
	driver := memory.NewDriver()
	driver.AddAccount("alice@example.com", "pw", "")

	policy := perm.ServerPolicy{Owner: "alice@example.com", Rules: rules}
	login := func(ctx context.Context, username, password string) (*frontend.Session, error) {
		client, err := driver.Login(ctx, username, password, "")
		if err != nil {
			return nil, err
		}
		user := perm.Identity{Name: username, Allowed: true}
		return frontend.NewSession(drivefs.New(client, "/alice-share", drivefs.RetryPolicy{}), user, policy), nil
	}
	return New(8081, login, nil), driver
}

func seedFile(t *testing.T, driver *memory.Driver, path, content string) {
	t.Helper()
	client, err := driver.Login(context.Background(), "alice@example.com", "pw", "")
	require.NoError(t, err)
	w, err := client.OpenWrite(context.Background(), path)
	require.NoError(t, err)
	_, err = w.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, w.Close())
}

func doRequest(t *testing.T, srv *Server, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	}
	req.SetBasicAuth("alice@example.com", "pw")
	rec := httptest.NewRecorder()
	srv.handler().ServeHTTP(rec, req)
	return rec
}

func TestReadOnlyShare(t *testing.T) {
	readAll := []perm.Rule{{PathPrefix: "/", Ops: []perm.Op{perm.OpRead}, AppliesTo: perm.ScopeAll}}
	srv, driver := newFixture(t, readAll)

	client, err := driver.Login(context.Background(), "alice@example.com", "pw", "")
	require.NoError(t, err)
	require.NoError(t, client.Mkdir(context.Background(), "/alice-share"))
	seedFile(t, driver, "/alice-share/file.txt", "hello webdav")

	// GET of an existing file succeeds.
	rec := doRequest(t, srv, http.MethodGet, "/file.txt", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "hello webdav", rec.Body.String())

	// PUT is denied: no write rule.
	rec = doRequest(t, srv, http.MethodPut, "/secret.txt", "payload")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// And the file did not appear.
	rec = doRequest(t, srv, http.MethodGet, "/secret.txt", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestWriteRoundTrip(t *testing.T) {
	full := []perm.Rule{{
		PathPrefix: "/",
		Ops:        []perm.Op{perm.OpRead, perm.OpWrite, perm.OpDelete, perm.OpRename},
		AppliesTo:  perm.ScopeAll,
	}}
	srv, driver := newFixture(t, full)

	client, err := driver.Login(context.Background(), "alice@example.com", "pw", "")
	require.NoError(t, err)
	require.NoError(t, client.Mkdir(context.Background(), "/alice-share"))

	rec := doRequest(t, srv, http.MethodPut, "/doc.txt", "dav payload")
	assert.Equal(t, http.StatusCreated, rec.Code)

	rec = doRequest(t, srv, http.MethodGet, "/doc.txt", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "dav payload", rec.Body.String())

	rec = doRequest(t, srv, "MKCOL", "/sub", "")
	assert.Equal(t, http.StatusCreated, rec.Code)

	rec = doRequest(t, srv, http.MethodDelete, "/doc.txt", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = doRequest(t, srv, http.MethodGet, "/doc.txt", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRangeRequest(t *testing.T) {
	readAll := []perm.Rule{{PathPrefix: "/", Ops: []perm.Op{perm.OpRead}, AppliesTo: perm.ScopeAll}}
	srv, driver := newFixture(t, readAll)

	client, err := driver.Login(context.Background(), "alice@example.com", "pw", "")
	require.NoError(t, err)
	require.NoError(t, client.Mkdir(context.Background(), "/alice-share"))
	seedFile(t, driver, "/alice-share/data.bin", "0123456789")

	req := httptest.NewRequest(http.MethodGet, "/data.bin", nil)
	req.SetBasicAuth("alice@example.com", "pw")
	req.Header.Set("Range", "bytes=2-5")
	rec := httptest.NewRecorder()
	srv.handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusPartialContent, rec.Code)
	assert.Equal(t, "2345", rec.Body.String())
}

func TestPropfindListsDirectory(t *testing.T) {
	readAll := []perm.Rule{{PathPrefix: "/", Ops: []perm.Op{perm.OpRead}, AppliesTo: perm.ScopeAll}}
	srv, driver := newFixture(t, readAll)

	client, err := driver.Login(context.Background(), "alice@example.com", "pw", "")
	require.NoError(t, err)
	require.NoError(t, client.Mkdir(context.Background(), "/alice-share"))
	seedFile(t, driver, "/alice-share/a.txt", "a")
	seedFile(t, driver, "/alice-share/b.txt", "bb")

	req := httptest.NewRequest("PROPFIND", "/", nil)
	req.SetBasicAuth("alice@example.com", "pw")
	req.Header.Set("Depth", "1")
	rec := httptest.NewRecorder()
	srv.handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusMultiStatus, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "a.txt")
	assert.Contains(t, body, "b.txt")
}

func TestBadCredentialsRejected(t *testing.T) {
	readAll := []perm.Rule{{PathPrefix: "/", Ops: []perm.Op{perm.OpRead}, AppliesTo: perm.ScopeAll}}
	srv, _ := newFixture(t, readAll)

	req := httptest.NewRequest(http.MethodGet, "/file.txt", nil)
	req.SetBasicAuth("alice@example.com", "wrong")
	rec := httptest.NewRecorder()
	srv.handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/file.txt", nil)
	rec = httptest.NewRecorder()
	srv.handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("WWW-Authenticate"))
}
