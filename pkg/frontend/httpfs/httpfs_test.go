package httpfs

import (
	"context"
	"encoding/json"
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
		return frontend.NewSession(drivefs.New(client, "/", drivefs.RetryPolicy{}), user, policy), nil
	}
	return New(8080, login, nil), driver
}

func fullAccess() []perm.Rule {
	return []perm.Rule{{
		PathPrefix: "/",
		Ops:        []perm.Op{perm.OpRead, perm.OpWrite, perm.OpDelete, perm.OpRename},
		AppliesTo:  perm.ScopeAll,
	}}
}

func doRequest(t *testing.T, srv *Server, method, target, body string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	}
	req.SetBasicAuth("alice@example.com", "pw")
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	srv.handle(rec, req)
	return rec
}

func TestUploadDownloadDelete(t *testing.T) {
	srv, _ := newFixture(t, fullAccess())

	rec := doRequest(t, srv, http.MethodPut, "/file.txt", "http payload", nil)
	assert.Equal(t, http.StatusCreated, rec.Code)

	rec = doRequest(t, srv, http.MethodGet, "/file.txt", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "http payload", rec.Body.String())
	assert.Equal(t, "12", rec.Header().Get("Content-Length"))

	rec = doRequest(t, srv, http.MethodDelete, "/file.txt", "", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = doRequest(t, srv, http.MethodGet, "/file.txt", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDirectoryListingJSON(t *testing.T) {
	srv, _ := newFixture(t, fullAccess())

	rec := doRequest(t, srv, http.MethodPut, "/a.txt", "aa", nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	rec = doRequest(t, srv, http.MethodPut, "/b.txt", "b", nil)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doRequest(t, srv, http.MethodGet, "/", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var entries []listEntry
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entries))
	require.Len(t, entries, 2)
	assert.Equal(t, "a.txt", entries[0].Name)
	assert.EqualValues(t, 2, entries[0].Size)
}

func TestRangeDownload(t *testing.T) {
	srv, _ := newFixture(t, fullAccess())

	rec := doRequest(t, srv, http.MethodPut, "/data.bin", "0123456789", nil)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doRequest(t, srv, http.MethodGet, "/data.bin", "", map[string]string{"Range": "bytes=3-6"})
	assert.Equal(t, http.StatusPartialContent, rec.Code)
	assert.Equal(t, "3456", rec.Body.String())
	assert.Equal(t, "bytes 3-6/10", rec.Header().Get("Content-Range"))

	rec = doRequest(t, srv, http.MethodGet, "/data.bin", "", map[string]string{"Range": "bytes=-4"})
	assert.Equal(t, http.StatusPartialContent, rec.Code)
	assert.Equal(t, "6789", rec.Body.String())

	rec = doRequest(t, srv, http.MethodGet, "/data.bin", "", map[string]string{"Range": "bytes=500-"})
	assert.Equal(t, http.StatusRequestedRangeNotSatisfiable, rec.Code)
}

func TestWriteDeniedWithoutRule(t *testing.T) {
	readOnly := []perm.Rule{{PathPrefix: "/", Ops: []perm.Op{perm.OpRead}, AppliesTo: perm.ScopeAll}}
	srv, _ := newFixture(t, readOnly)

	rec := doRequest(t, srv, http.MethodPut, "/nope.txt", "x", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestMethodNotAllowed(t *testing.T) {
	srv, _ := newFixture(t, fullAccess())
	rec := doRequest(t, srv, http.MethodPost, "/x", "body", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Allow"))
}

func TestParseRange(t *testing.T) {
	tests := []struct {
		header  string
		size    int64
		offset  int64
		length  int64
		partial bool
		wantErr bool
	}{
		{header: "", size: 100, offset: 0, length: -1},
		{header: "bytes=0-49", size: 100, offset: 0, length: 50, partial: true},
		{header: "bytes=50-", size: 100, offset: 50, length: 50, partial: true},
		{header: "bytes=-10", size: 100, offset: 90, length: 10, partial: true},
		{header: "bytes=90-200", size: 100, offset: 90, length: 10, partial: true},
		{header: "bytes=100-", size: 100, wantErr: true},
		{header: "bytes=a-b", size: 100, wantErr: true},
		{header: "bytes=0-10,20-30", size: 100, offset: 0, length: -1},
	}
	for _, tt := range tests {
		t.Run(tt.header, func(t *testing.T) {
			offset, length, partial, err := parseRange(tt.header, tt.size)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.offset, offset)
			assert.Equal(t, tt.length, length)
			assert.Equal(t, tt.partial, partial)
		})
	}
}
