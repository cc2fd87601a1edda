package httpapi

import (
	"bytes"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/xrypthon/pubdrive/pkg/access"
	"github.com/xrypthon/pubdrive/pkg/blob"
	"github.com/xrypthon/pubdrive/pkg/credential"
	"github.com/xrypthon/pubdrive/pkg/drive"
	"github.com/xrypthon/pubdrive/pkg/encryption"
	"github.com/xrypthon/pubdrive/pkg/idgen"
	"github.com/xrypthon/pubdrive/pkg/registry"
	"github.com/xrypthon/pubdrive/pkg/server/middleware"
)

func blobEncryption() encryption.Options {
	return encryption.AES256CTR(bytes.Repeat([]byte{0x42}, 32))
}

func newTestServer(t *testing.T, opts Options) (*Server, *blob.PathStore) {
	t.Helper()
	store, err := blob.NewPathStore(t.TempDir(), blobEncryption())
	if err != nil {
		t.Fatalf("path store: %v", err)
	}
	grants, err := access.NewGrants([]byte("http-test"), time.Minute)
	if err != nil {
		t.Fatalf("grants: %v", err)
	}
	svc := drive.New(drive.Deps{
		IDs:      idgen.NewRandom(nil),
		Blobs:    store,
		Registry: registry.NewMemoryRegistry(),
		Access:   access.NewController(credential.NewBcrypt(bcrypt.MinCost), nil),
		Grants:   grants,
	}, drive.Options{})
	return &Server{Drive: svc, Opts: opts}, store
}

func uploadRequest(t *testing.T, name string, body []byte, fields map[string]string) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			t.Fatalf("field: %v", err)
		}
	}
	if name != "" {
		part, err := mw.CreateFormFile("file", name)
		if err != nil {
			t.Fatalf("form file: %v", err)
		}
		part.Write(body)
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close multipart: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/upload", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func doUpload(t *testing.T, h http.Handler, name string, body []byte, fields map[string]string) registry.View {
	t.Helper()
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, uploadRequest(t, name, body, fields))
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	var view registry.View
	if err := json.Unmarshal(rr.Body.Bytes(), &view); err != nil {
		t.Fatalf("decode view: %v", err)
	}
	return view
}

func TestHTTPAPIUploadAndDownloadPublic(t *testing.T) {
	srv, _ := newTestServer(t, Options{})
	h := srv.Handler()

	view := doUpload(t, h, "hello.txt", []byte("hello"), nil)
	if view.Size != 5 || view.Name != "hello.txt" || view.Protected {
		t.Fatalf("unexpected view %+v", view)
	}
	if view.Path != "/download/"+view.ID {
		t.Fatalf("unexpected path %q", view.Path)
	}

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, view.Path, nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if rr.Body.String() != "hello" {
		t.Fatalf("expected hello, got %q", rr.Body.String())
	}
	if cd := rr.Header().Get("Content-Disposition"); !strings.Contains(cd, `filename=hello.txt`) {
		t.Fatalf("unexpected disposition %q", cd)
	}
}

func TestHTTPAPIUploadJSONFieldNames(t *testing.T) {
	srv, _ := newTestServer(t, Options{})
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, uploadRequest(t, "a.bin", []byte{1, 2, 3}, nil))
	var raw map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &raw); err != nil {
		t.Fatalf("decode: %v", err)
	}
	for _, key := range []string{"id", "name", "path", "size", "type", "uploadDate", "isProtected"} {
		if _, ok := raw[key]; !ok {
			t.Fatalf("missing %q in %v", key, raw)
		}
	}
	for _, secret := range []string{"password", "passwordHash", "PasswordHash", "storagePath", "StoragePath"} {
		if _, ok := raw[secret]; ok {
			t.Fatalf("view leaks %q", secret)
		}
	}
}

func TestHTTPAPIUploadErrors(t *testing.T) {
	srv, store := newTestServer(t, Options{})
	h := srv.Handler()

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, uploadRequest(t, "", nil, map[string]string{"protectFile": "on"}))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing file, got %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, uploadRequest(t, "s.txt", []byte("secret"), map[string]string{"protectFile": "on", "password": "abc"}))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for weak password, got %d", rr.Code)
	}
	count := 0
	store.Walk(t.Context(), func(blob.Entry) error { count++; return nil })
	if count != 0 {
		t.Fatalf("expected no blobs after rejected uploads, got %d", count)
	}
}

func TestHTTPAPIProtectedDownload(t *testing.T) {
	srv, _ := newTestServer(t, Options{})
	h := srv.Handler()
	view := doUpload(t, h, "s.txt", []byte("secret bytes"), map[string]string{"protectFile": "on", "password": "opensesame"})
	if !view.Protected {
		t.Fatalf("expected protected view")
	}

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, view.Path, nil))
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403 without password, got %d", rr.Code)
	}

	req := httptest.NewRequest(http.MethodGet, view.Path, nil)
	req.Header.Set("X-File-Password", "wrong")
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403 with wrong password, got %d", rr.Code)
	}

	req = httptest.NewRequest(http.MethodGet, view.Path, nil)
	req.Header.Set("X-File-Password", "opensesame")
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK || rr.Body.String() != "secret bytes" {
		t.Fatalf("expected bytes with header password, got %d %q", rr.Code, rr.Body.String())
	}

	form := url.Values{"password": {"opensesame"}}
	req = httptest.NewRequest(http.MethodPost, view.Path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK || rr.Body.String() != "secret bytes" {
		t.Fatalf("expected bytes with form password, got %d", rr.Code)
	}
}

func TestHTTPAPIVerifyPasswordIssuesGrant(t *testing.T) {
	srv, _ := newTestServer(t, Options{})
	h := srv.Handler()
	prot := doUpload(t, h, "p.txt", []byte("payload"), map[string]string{"protectFile": "on", "password": "opensesame"})
	pub := doUpload(t, h, "q.txt", []byte("public"), nil)

	verify := func(id, password string) (int, verifyResponse) {
		body, _ := json.Marshal(verifyRequest{FileID: id, Password: password})
		req := httptest.NewRequest(http.MethodPost, "/verify-password", bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		var resp verifyResponse
		if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
			t.Fatalf("decode verify: %v", err)
		}
		return rr.Code, resp
	}

	if code, resp := verify(pub.ID, "x"); code != http.StatusNotFound || resp.Success {
		t.Fatalf("expected 404 for public file, got %d %+v", code, resp)
	}
	if code, resp := verify("missing", "x"); code != http.StatusNotFound || resp.Success {
		t.Fatalf("expected 404 for unknown file, got %d %+v", code, resp)
	}
	if code, resp := verify(prot.ID, "nope"); code != http.StatusForbidden || resp.Success || resp.Message == "" {
		t.Fatalf("expected refusal, got %d %+v", code, resp)
	}

	code, resp := verify(prot.ID, "opensesame")
	if code != http.StatusOK || !resp.Success || resp.Token == "" {
		t.Fatalf("expected grant, got %d %+v", code, resp)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, resp.Path, nil))
	if rr.Code != http.StatusOK || rr.Body.String() != "payload" {
		t.Fatalf("expected download via grant, got %d %q", rr.Code, rr.Body.String())
	}
}

func TestHTTPAPIVerifyPasswordWithoutGrants(t *testing.T) {
	svc := drive.New(drive.Deps{
		IDs:      idgen.NewRandom(nil),
		Blobs:    blob.NewMemoryStore(),
		Registry: registry.NewMemoryRegistry(),
		Access:   access.NewController(credential.NewBcrypt(bcrypt.MinCost), nil),
	}, drive.Options{})
	h := (&Server{Drive: svc}).Handler()
	prot := doUpload(t, h, "p.txt", []byte("payload"), map[string]string{"protectFile": "on", "password": "opensesame"})

	form := url.Values{"fileId": {prot.ID}, "password": {"opensesame"}}
	req := httptest.NewRequest(http.MethodPost, "/verify-password", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rr.Code)
	}
	var resp verifyResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode verify: %v", err)
	}
	if resp.Success || strings.Contains(resp.Message, "password") {
		t.Fatalf("server fault reported as a password problem: %+v", resp)
	}
}

func TestHTTPAPIListAndDescribe(t *testing.T) {
	srv, _ := newTestServer(t, Options{})
	h := srv.Handler()
	doUpload(t, h, "report.pdf", []byte("%PDF-1.4"), nil)
	b := doUpload(t, h, "notes.txt", []byte("n"), map[string]string{"protectFile": "on", "password": "abcd"})

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/files", nil))
	var all []registry.View
	if err := json.Unmarshal(rr.Body.Bytes(), &all); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(all) != 2 || all[0].Name != "report.pdf" || all[1].Name != "notes.txt" {
		t.Fatalf("unexpected listing %+v", all)
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/files?q=NOTES", nil))
	var filtered []registry.View
	json.Unmarshal(rr.Body.Bytes(), &filtered)
	if len(filtered) != 1 || filtered[0].ID != b.ID {
		t.Fatalf("unexpected filtered listing %+v", filtered)
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/files/"+b.ID, nil))
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), `"isProtected":true`) {
		t.Fatalf("unexpected describe %d %s", rr.Code, rr.Body.String())
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/download/unknown-id", nil))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}

func TestHTTPAPIUploadRequiresAPIKey(t *testing.T) {
	srv, _ := newTestServer(t, Options{APIKey: "k"})
	h := srv.Handler()
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, uploadRequest(t, "a.txt", []byte("a"), nil))
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
	req := uploadRequest(t, "a.txt", []byte("a"), nil)
	req.Header.Set("X-API-Key", "k")
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201 with key, got %d", rr.Code)
	}
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/files", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("listing must not need the key, got %d", rr.Code)
	}
}

func TestHTTPAPIRateLimitsPasswordChecks(t *testing.T) {
	now := time.Unix(0, 0)
	srv, _ := newTestServer(t, Options{RateLimit: middleware.RateLimitOptions{
		Requests: 2,
		Window:   time.Minute,
		Now:      func() time.Time { return now },
	}})
	h := srv.Handler()
	var last int
	for i := 0; i < 3; i++ {
		form := url.Values{"fileId": {"x"}, "password": {"guess"}}
		req := httptest.NewRequest(http.MethodPost, "/verify-password", strings.NewReader(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		last = rr.Code
	}
	if last != http.StatusTooManyRequests {
		t.Fatalf("expected third guess throttled, got %d", last)
	}
}

func TestHTTPAPIUploadTooLarge(t *testing.T) {
	srv, _ := newTestServer(t, Options{MaxUploadBytes: 64})
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, uploadRequest(t, "big.bin", bytes.Repeat([]byte("x"), 4096), nil))
	if rr.Code != http.StatusRequestEntityTooLarge && rr.Code != http.StatusBadRequest {
		t.Fatalf("expected rejection of oversized upload, got %d", rr.Code)
	}
}

func TestHealthz(t *testing.T) {
	srv, _ := newTestServer(t, Options{})
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if _, err := io.ReadAll(rr.Body); err != nil {
		t.Fatalf("read: %v", err)
	}
}
