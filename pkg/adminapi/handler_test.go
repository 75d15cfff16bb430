package adminapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/japinder12/snapvault/pkg/envelope"
	"github.com/japinder12/snapvault/pkg/snapshot"
)

type fakeSnapshots struct {
	snaps    map[string]snapshot.Metadata
	restored []snapshot.RestoreOptions
	failWith error
}

func newFakeSnapshots() *fakeSnapshots {
	return &fakeSnapshots{snaps: make(map[string]snapshot.Metadata)}
}

func (f *fakeSnapshots) CreateSnapshot(_ context.Context, description string) (snapshot.Metadata, error) {
	if f.failWith != nil {
		return snapshot.Metadata{}, f.failWith
	}
	m := snapshot.Metadata{
		ID:          snapshot.NewID(),
		Timestamp:   time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
		Version:     snapshot.FormatVersion,
		Encrypted:   true,
		Size:        100,
		Description: description,
	}
	f.snaps[m.ID] = m
	return m, nil
}

func (f *fakeSnapshots) ListSnapshots(context.Context) ([]snapshot.Metadata, error) {
	out := make([]snapshot.Metadata, 0, len(f.snaps))
	for _, m := range f.snaps {
		out = append(out, m)
	}
	return out, nil
}

func (f *fakeSnapshots) Restore(_ context.Context, id string, opts snapshot.RestoreOptions) (snapshot.RestoreResult, error) {
	if _, ok := f.snaps[id]; !ok {
		err := errors.WithType(errors.Errorf("snapshot %q", id), snapshot.ErrSnapshotNotFound)
		return snapshot.RestoreResult{Message: err.Error()}, err
	}
	f.restored = append(f.restored, opts)
	return snapshot.RestoreResult{Success: true, Message: "Successfully restored snapshot " + id}, nil
}

func (f *fakeSnapshots) DeleteSnapshot(_ context.Context, id string) (bool, error) {
	if err := snapshot.ValidateID(id); err != nil {
		return false, err
	}
	delete(f.snaps, id)
	return true, nil
}

func (f *fakeSnapshots) Download(_ context.Context, id string, plain bool) (snapshot.Download, error) {
	if _, ok := f.snaps[id]; !ok {
		return snapshot.Download{}, errors.WithType(errors.NotFoundf("snapshot %q", id), snapshot.ErrSnapshotNotFound)
	}
	if plain {
		return snapshot.Download{Filename: id + "-plain.json", ContentType: "application/json", Body: []byte("{}")}, nil
	}
	return snapshot.Download{Filename: id + ".snapshot", ContentType: "application/octet-stream", Body: []byte("sealed")}, nil
}

type countingLock struct {
	acquired int
}

func (l *countingLock) Acquire(context.Context) (func(), error) {
	l.acquired++
	return func() {}, nil
}

const adminToken = "s3cret-admin-token"

func newTestServer(t *testing.T) (*httptest.Server, *fakeSnapshots, *countingLock) {
	t.Helper()
	h, snaps, lk := newTestHandler(t)
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return srv, snaps, lk
}

func newTestHandler(t *testing.T) (http.Handler, *fakeSnapshots, *countingLock) {
	t.Helper()
	salt, err := envelope.GenerateSecureToken(16)
	require.NoError(t, err)
	hashed, err := envelope.Hash(adminToken, salt)
	require.NoError(t, err)

	snaps := newFakeSnapshots()
	lk := &countingLock{}
	h, err := NewHandler(Config{
		Snapshots: snaps,
		Auth:      TokenAuthorizer{Hash: hashed.Hash, Salt: hashed.Salt},
		Lock:      lk,
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte("# metrics\n"))
		}),
	})
	require.NoError(t, err)
	return h, snaps, lk
}

func call(t *testing.T, srv *httptest.Server, method, path, token, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decode(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func TestRequiresAdminToken(t *testing.T) {
	srv, _, _ := newTestServer(t)

	for _, token := range []string{"", "wrong"} {
		resp := call(t, srv, http.MethodGet, "/api/admin/backups", token, "")
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	}
	resp := call(t, srv, http.MethodGet, "/api/admin/backups", adminToken, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestCreateAndList(t *testing.T) {
	srv, snaps, lk := newTestServer(t)

	resp := call(t, srv, http.MethodPost, "/api/admin/backups", adminToken, `{"description":"nightly"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var meta snapshot.Metadata
	decode(t, resp, &meta)
	assert.Equal(t, "nightly", meta.Description)
	assert.Equal(t, 1, lk.acquired)

	resp = call(t, srv, http.MethodGet, "/api/admin/backups", adminToken, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list listResponse
	decode(t, resp, &list)
	require.Len(t, list.Backups, 1)
	assert.Equal(t, meta.ID, list.Backups[0].ID)
	assert.Equal(t, 1, list.Stats.TotalSnapshots)

	snaps.failWith = errors.New("boom")
	resp = call(t, srv, http.MethodPost, "/api/admin/backups", adminToken, "")
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}

func TestCreateWithoutBody(t *testing.T) {
	h, snaps, _ := newTestHandler(t)

	for _, length := range []int64{0, -1} {
		req := httptest.NewRequest(http.MethodPost, "/api/admin/backups", io.NopCloser(strings.NewReader("")))
		req.ContentLength = length
		req.Header.Set("Authorization", "Bearer "+adminToken)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code, "content length %d", length)
	}
	assert.Len(t, snaps.snaps, 2)

	req := httptest.NewRequest(http.MethodPost, "/api/admin/backups", strings.NewReader("{"))
	req.Header.Set("Authorization", "Bearer "+adminToken)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRestoreAction(t *testing.T) {
	srv, snaps, lk := newTestServer(t)
	meta, err := snaps.CreateSnapshot(context.Background(), "")
	require.NoError(t, err)

	resp := call(t, srv, http.MethodPost, "/api/admin/backups/"+meta.ID, adminToken,
		`{"action":"restore","options":{"dryRun":true,"tables":["Room"]}}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var result snapshot.RestoreResult
	decode(t, resp, &result)
	assert.True(t, result.Success)
	require.Len(t, snaps.restored, 1)
	assert.True(t, snaps.restored[0].DryRun)
	assert.True(t, snaps.restored[0].SkipProtectedTables)
	assert.Equal(t, []string{"Room"}, snaps.restored[0].Tables)
	assert.Equal(t, 0, lk.acquired)

	resp = call(t, srv, http.MethodPost, "/api/admin/backups/"+meta.ID, adminToken, `{"action":"restore"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 1, lk.acquired)

	resp = call(t, srv, http.MethodPost, "/api/admin/backups/"+snapshot.NewID(), adminToken, `{"action":"restore"}`)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	decode(t, resp, &result)
	assert.False(t, result.Success)
	assert.NotEmpty(t, result.Message)
}

func TestDeleteAndInvalidAction(t *testing.T) {
	srv, snaps, _ := newTestServer(t)
	meta, err := snaps.CreateSnapshot(context.Background(), "")
	require.NoError(t, err)

	resp := call(t, srv, http.MethodPost, "/api/admin/backups/"+meta.ID, adminToken, `{"action":"delete"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body actionResponse
	decode(t, resp, &body)
	assert.True(t, body.Success)
	assert.Empty(t, snaps.snaps)

	resp = call(t, srv, http.MethodPost, "/api/admin/backups/not-a-uuid", adminToken, `{"action":"delete"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = call(t, srv, http.MethodPost, "/api/admin/backups/"+meta.ID, adminToken, `{"action":"explode"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = call(t, srv, http.MethodPost, "/api/admin/backups/"+meta.ID, adminToken, `not json`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestDownload(t *testing.T) {
	srv, snaps, _ := newTestServer(t)
	meta, err := snaps.CreateSnapshot(context.Background(), "")
	require.NoError(t, err)

	resp := call(t, srv, http.MethodGet, "/api/admin/backups/"+meta.ID+"/download", adminToken, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/octet-stream", resp.Header.Get("Content-Type"))
	assert.Contains(t, resp.Header.Get("Content-Disposition"), meta.ID+".snapshot")

	resp = call(t, srv, http.MethodGet, "/api/admin/backups/"+meta.ID+"/download?plain=true", adminToken, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	resp = call(t, srv, http.MethodGet, "/api/admin/backups/"+snapshot.NewID()+"/download", adminToken, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestMetricsAndHealthAreOpen(t *testing.T) {
	srv, _, _ := newTestServer(t)
	assert.Equal(t, http.StatusOK, call(t, srv, http.MethodGet, "/metrics", "", "").StatusCode)
	assert.Equal(t, http.StatusOK, call(t, srv, http.MethodGet, "/healthz", "", "").StatusCode)
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusNotFound, statusFor(errors.WithType(errors.New("x"), snapshot.ErrSnapshotNotFound)))
	assert.Equal(t, http.StatusBadRequest, statusFor(errors.NotValidf("id")))
	assert.Equal(t, http.StatusUnprocessableEntity, statusFor(errors.WithType(errors.New("x"), snapshot.ErrIntegrityCheckFailed)))
	assert.Equal(t, http.StatusInternalServerError, statusFor(errors.New("x")))
}
