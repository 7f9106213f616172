package handler

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"qrattend/internal/attendance"
	"qrattend/internal/auth"
	"qrattend/internal/credential"
	"qrattend/internal/log"
	"qrattend/internal/queue"
	"qrattend/internal/token"
)

type testEnv struct {
	router  *gin.Engine
	svc     *attendance.Service
	queue   *queue.InMemory
	scanner string
	admin   string
}

func newTestEnv(t *testing.T, checks map[string]HealthCheck) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	svc := attendance.NewService(attendance.NewMemoryStore(), attendance.WithLogger(log.Discard()))
	q := queue.NewInMemory(16)
	iss := auth.NewIssuer("qrattend", "test-key", time.Hour, 2*time.Hour)

	h := New(svc, Config{
		Queue:         q,
		Issuer:        iss,
		Logger:        log.Discard(),
		MaxImageBytes: 1 << 20,
		HealthChecks:  checks,
	})
	r := gin.New()
	h.Mount(r, Guards{
		Scanner: []gin.HandlerFunc{auth.Bearer(iss)},
		Admin:   []gin.HandlerFunc{auth.Bearer(iss, auth.RoleAdmin)},
	})

	scanner, err := iss.Issue("gate-1", auth.RoleScanner)
	require.NoError(t, err)
	admin, err := iss.Issue("ops", auth.RoleAdmin)
	require.NoError(t, err)

	return &testEnv{router: r, svc: svc, queue: q, scanner: scanner.AccessToken, admin: admin.AccessToken}
}

func (e *testEnv) do(t *testing.T, method, path, bearer string, body any) (int, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	return e.serve(t, req, bearer)
}

func (e *testEnv) serve(t *testing.T, req *http.Request, bearer string) (int, map[string]any) {
	t.Helper()
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)

	out := map[string]any{}
	if w.Header().Get("Content-Type") != "image/png" && w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	}
	return w.Code, out
}

func (e *testEnv) enroll(t *testing.T, name, registerNo string) string {
	t.Helper()
	code, body := e.do(t, http.MethodPost, "/v1/enroll", e.admin, map[string]any{
		"rows": []map[string]string{{"name": name, "registerNo": registerNo}},
	})
	require.Equal(t, http.StatusOK, code, body)
	tok, err := token.Derive(name, registerNo)
	require.NoError(t, err)
	return tok
}

func multipartFile(t *testing.T, field, filename string, data []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile(field, filename)
	require.NoError(t, err)
	_, err = fw.Write(data)
	require.NoError(t, err)
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func TestAttendanceFlow(t *testing.T) {
	e := newTestEnv(t, nil)
	tok := e.enroll(t, "Alice", "R1")
	path := "/v1/attendance/" + tok

	code, body := e.do(t, http.MethodGet, path, e.scanner, nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["found"])
	assert.Equal(t, "N/A", body["status"])
	assert.Nil(t, body["inTime"])

	steps := []struct {
		action  string
		code    int
		success bool
		message string
	}{
		{"out", http.StatusOK, false, "cannot mark out before in"},
		{"in", http.StatusOK, true, "marked in"},
		{"IN", http.StatusOK, false, "already marked in"},
		{"out", http.StatusOK, true, "marked out"},
		{"out", http.StatusOK, false, "already marked out"},
		{"dance", http.StatusBadRequest, false, "invalid action"},
	}
	for _, s := range steps {
		code, body := e.do(t, http.MethodPost, path, e.scanner, map[string]string{"action": s.action})
		assert.Equal(t, s.code, code, s.action)
		assert.Equal(t, s.success, body["success"], s.action)
		assert.Equal(t, s.message, body["message"], s.action)
	}

	code, body = e.do(t, http.MethodGet, path, e.scanner, nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "OUT", body["status"])
	assert.NotNil(t, body["inTime"])
	assert.NotNil(t, body["outTime"])
}

func TestAttendanceUnknownToken(t *testing.T) {
	e := newTestEnv(t, nil)
	unknown, err := token.Derive("Nobody", "R0")
	require.NoError(t, err)

	code, body := e.do(t, http.MethodGet, "/v1/attendance/"+unknown, e.scanner, nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, false, body["found"])

	code, body = e.do(t, http.MethodPost, "/v1/attendance/"+unknown, e.scanner, map[string]string{"action": "in"})
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, false, body["success"])

	code, _ = e.do(t, http.MethodPost, "/v1/attendance/"+unknown, e.scanner, map[string]string{})
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestAttendanceMalformedToken(t *testing.T) {
	e := newTestEnv(t, nil)
	tok := e.enroll(t, "Alice", "R1")

	for _, bad := range []string{"not-a-token", strings.ToUpper(tok), tok[:63], tok + "0"} {
		code, body := e.do(t, http.MethodGet, "/v1/attendance/"+bad, e.scanner, nil)
		assert.Equal(t, http.StatusNotFound, code, bad)
		assert.Equal(t, false, body["found"])
		assert.Equal(t, "N/A", body["status"])

		code, body = e.do(t, http.MethodPost, "/v1/attendance/"+bad, e.scanner, map[string]string{"action": "in"})
		assert.Equal(t, http.StatusNotFound, code, bad)
		assert.Equal(t, "no record for token", body["message"])

		code, _ = e.do(t, http.MethodPost, "/v1/attendance/"+bad, e.scanner, map[string]string{"action": "sideways"})
		assert.Equal(t, http.StatusBadRequest, code, bad)
	}

	code, body := e.do(t, http.MethodGet, "/v1/attendance/"+tok, e.scanner, nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["found"])
}

func TestVerify(t *testing.T) {
	e := newTestEnv(t, nil)
	tok := e.enroll(t, "Alice", "R1")

	png, err := credential.EncodeQR(tok, 256)
	require.NoError(t, err)

	code, body := e.do(t, http.MethodPost, "/v1/verify", e.scanner, map[string]string{"token": tok})
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["matched"])
	assert.Equal(t, "Alice", body["name"])
	assert.Equal(t, "R1", body["registerNo"])

	dataURL := "data:image/png;base64," + base64.StdEncoding.EncodeToString(png)
	code, body = e.do(t, http.MethodPost, "/v1/verify", e.scanner, map[string]string{"base64Image": dataURL})
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["matched"])

	card, err := credential.RenderCardPNG(credential.CardData{Name: "Alice", RegisterNo: "R1", Token: tok})
	require.NoError(t, err)
	buf, ct := multipartFile(t, "image", "card.png", card)
	req := httptest.NewRequest(http.MethodPost, "/v1/verify", buf)
	req.Header.Set("Content-Type", ct)
	code, body = e.serve(t, req, e.scanner)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["matched"])
	assert.Equal(t, "Alice", body["name"])
}

func TestVerifyMisses(t *testing.T) {
	e := newTestEnv(t, nil)

	blank := base64.StdEncoding.EncodeToString([]byte("not an image"))
	code, body := e.do(t, http.MethodPost, "/v1/verify", e.scanner, map[string]string{"base64Image": blank})
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, false, body["matched"])
	assert.Equal(t, "no credential found", body["message"])

	code, body = e.do(t, http.MethodPost, "/v1/verify", e.scanner, map[string]string{"token": "deadbeef"})
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, false, body["matched"])
	assert.Equal(t, "no matching record", body["message"])

	code, body = e.do(t, http.MethodPost, "/v1/verify", e.scanner, map[string]string{})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, false, body["matched"])
}

func TestVerifyImageTooLarge(t *testing.T) {
	e := newTestEnv(t, nil)
	buf, ct := multipartFile(t, "image", "big.png", make([]byte, 2<<20))
	req := httptest.NewRequest(http.MethodPost, "/v1/verify", buf)
	req.Header.Set("Content-Type", ct)
	code, body := e.serve(t, req, e.scanner)
	assert.Equal(t, http.StatusRequestEntityTooLarge, code)
	assert.Equal(t, false, body["matched"])
}

func TestEnrollRoster(t *testing.T) {
	e := newTestEnv(t, nil)
	csv := "Name,Register No\nAlice,R1\n,R2\nBob,R3\nAlice,R1\n"
	buf, ct := multipartFile(t, "roster", "roster.csv", []byte(csv))
	req := httptest.NewRequest(http.MethodPost, "/v1/enroll", buf)
	req.Header.Set("Content-Type", ct)

	code, body := e.serve(t, req, e.admin)
	require.Equal(t, http.StatusOK, code, body)
	report := body["report"].(map[string]any)
	assert.EqualValues(t, 2, report["created"])
	assert.EqualValues(t, 1, report["duplicate"])
	assert.EqualValues(t, 1, report["invalid"])
	assert.EqualValues(t, 2, body["queued"])

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	msgs, err := e.queue.Consume(ctx)
	require.NoError(t, err)
	msg := <-msgs
	assert.Equal(t, queue.TypeRenderCard, msg.Type)

	code, body = e.do(t, http.MethodGet, "/v1/persons?limit=10", e.admin, nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Len(t, body["persons"], 2)
}

func TestEnrollRejectsBadUploads(t *testing.T) {
	e := newTestEnv(t, nil)

	buf, ct := multipartFile(t, "roster", "roster.txt", []byte("x"))
	req := httptest.NewRequest(http.MethodPost, "/v1/enroll", buf)
	req.Header.Set("Content-Type", ct)
	code, _ := e.serve(t, req, e.admin)
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = e.do(t, http.MethodPost, "/v1/enroll", e.admin, map[string]any{"rows": []any{}})
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestEnrollRejectsOverlongRow(t *testing.T) {
	e := newTestEnv(t, nil)
	csv := "name,registerNo\n" + strings.Repeat("n", 300) + ",R1\nBob,R2\n"

	buf, ct := multipartFile(t, "roster", "roster.csv", []byte(csv))
	req := httptest.NewRequest(http.MethodPost, "/v1/enroll", buf)
	req.Header.Set("Content-Type", ct)
	code, body := e.serve(t, req, e.admin)
	require.Equal(t, http.StatusOK, code, body)

	report := body["report"].(map[string]any)
	assert.Equal(t, 1.0, report["created"])
	assert.Equal(t, 1.0, report["invalid"])
	assert.Equal(t, 1.0, body["queued"])

	long, err := token.Derive(strings.Repeat("n", 300), "R1")
	require.NoError(t, err)
	code, _ = e.do(t, http.MethodGet, "/v1/attendance/"+long, e.scanner, nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestCard(t *testing.T) {
	e := newTestEnv(t, nil)
	tok := e.enroll(t, "Alice", "R1")

	req := httptest.NewRequest(http.MethodGet, "/v1/persons/"+tok+"/card", nil)
	req.Header.Set("Authorization", "Bearer "+e.admin)
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "image/png", w.Header().Get("Content-Type"))
	assert.Contains(t, w.Header().Get("Content-Disposition"), credential.CardFileName("R1", tok))

	decoded, err := credential.DecodeImage(w.Body.Bytes())
	require.NoError(t, err)
	assert.Equal(t, tok, decoded)

	code, _ := e.do(t, http.MethodGet, "/v1/persons/unknown/card", e.admin, nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestRouteGuards(t *testing.T) {
	e := newTestEnv(t, nil)

	code, _ := e.do(t, http.MethodPost, "/v1/verify", "", map[string]string{"token": "x"})
	assert.Equal(t, http.StatusUnauthorized, code)

	code, _ = e.do(t, http.MethodPost, "/v1/enroll", e.scanner, map[string]any{"rows": []any{}})
	assert.Equal(t, http.StatusForbidden, code)

	code, body := e.do(t, http.MethodPost, "/v1/scanners/register", e.admin, map[string]string{"scanner_id": "gate-2"})
	require.Equal(t, http.StatusCreated, code)
	access := body["access_token"].(string)
	refresh := body["refresh_token"].(string)

	code, _ = e.do(t, http.MethodPost, "/v1/verify", access, map[string]string{"token": "x"})
	assert.Equal(t, http.StatusOK, code)

	code, body = e.do(t, http.MethodPost, "/v1/auth/refresh", "", map[string]string{"refresh_token": refresh})
	assert.Equal(t, http.StatusOK, code)
	assert.NotEmpty(t, body["access_token"])

	code, _ = e.do(t, http.MethodPost, "/v1/auth/refresh", "", map[string]string{"refresh_token": access})
	assert.Equal(t, http.StatusUnauthorized, code)
}

func TestHealthz(t *testing.T) {
	up := func(context.Context) bool { return true }
	down := func(context.Context) bool { return false }

	e := newTestEnv(t, map[string]HealthCheck{"store": up})
	code, body := e.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body["status"])

	e = newTestEnv(t, map[string]HealthCheck{"store": up, "redis": down})
	code, body = e.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "degraded", body["status"])
	assert.Equal(t, false, body["redis"])
}
