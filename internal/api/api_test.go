package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"filedrop/internal/delivery"
	"filedrop/internal/models"
	"filedrop/internal/registry"
	"filedrop/internal/storage"
	"filedrop/internal/transfer"
)

type testServer struct {
	*httptest.Server
	handler   http.Handler
	store     *transfer.Store
	downloads string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	disk, err := storage.NewDisk(filepath.Join(t.TempDir(), "uploads"))
	require.NoError(t, err)

	log := zerolog.Nop()
	hub := NewHub(log)
	reg := registry.New(hub, log)
	store := transfer.NewStore(reg, disk, hub, transfer.Options{}, log)
	downloads := filepath.Join(t.TempDir(), "Downloads")
	srv := NewServer(Options{DeviceName: "test", MaxUploadBytes: 1 << 20}, Deps{
		Hub:      hub,
		Devices:  reg,
		Store:    store,
		Uploads:  transfer.NewAggregator(store),
		Packager: delivery.New(store, delivery.Config{DownloadDir: downloads, StripArchiveRoot: true}, log),
	}, log)

	handler := srv.Handler()
	ts := httptest.NewServer(handler)
	t.Cleanup(func() {
		hub.Close()
		ts.Close()
	})
	return &testServer{Server: ts, handler: handler, store: store, downloads: downloads}
}

type wsClient struct {
	t    *testing.T
	conn *websocket.Conn
	id   string
}

func (ts *testServer) connect(t *testing.T, name, addr string) *wsClient {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?device_name=" + name
	conn, _, err := websocket.DefaultDialer.Dial(url, http.Header{"X-Forwarded-For": {addr}})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	c := &wsClient{t: t, conn: conn}
	var dev models.Device
	c.expect(eventRegistered, &dev)
	require.Equal(t, name, dev.Name)
	require.Equal(t, addr, dev.Address)
	c.id = dev.ID
	return c
}

// expect reads until an event of the given type arrives and decodes its payload.
func (c *wsClient) expect(event string, payload any) {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		var msg envelope
		require.NoError(c.t, c.conn.ReadJSON(&msg), "waiting for %s", event)
		if msg.Type != event {
			continue
		}
		if payload != nil {
			require.NoError(c.t, json.Unmarshal(msg.Payload, payload))
		}
		return
	}
}

func (c *wsClient) send(event string, payload any) {
	c.t.Helper()
	require.NoError(c.t, c.conn.WriteJSON(outbound{Type: event, Payload: payload}))
}

func (ts *testServer) upload(t *testing.T, fields map[string]string, name, content string) *http.Response {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	if name != "" {
		fw, err := mw.CreateFormFile("file", name)
		require.NoError(t, err)
		_, err = io.WriteString(fw, content)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())

	resp, err := http.Post(ts.URL+"/upload", mw.FormDataContentType(), &body)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestSingleFileTransferFlow(t *testing.T) {
	ts := newTestServer(t)
	sender := ts.connect(t, "Laptop", "10.0.0.2")
	recipient := ts.connect(t, "Phone", "10.0.0.3")

	sender.send(eventRequest, requestMessage{Target: recipient.id, FileName: "notes.txt", FileSize: 5})

	var req transfer.RequestEvent
	recipient.expect("file_transfer_request", &req)
	assert.Equal(t, sender.id, req.From)
	assert.Equal(t, "Laptop", req.FromName)
	assert.Equal(t, 1, req.TotalFiles)

	var sent transfer.RequestSentEvent
	sender.expect("file_transfer_request_sent", &sent)
	assert.Equal(t, req.TransferID, sent.TransferID)

	recipient.send(eventAccept, transferMessage{TransferID: req.TransferID})
	var accepted transfer.AcceptedEvent
	sender.expect("file_transfer_accepted", &accepted)
	assert.Equal(t, "/upload", accepted.UploadURL)
	assert.Equal(t, "Phone", accepted.RecipientName)

	resp := ts.upload(t, map[string]string{"transfer_id": req.TransferID}, "notes.txt", "hello")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, decode(t, resp)["success"])

	var ready transfer.ReadyEvent
	recipient.expect("file_ready_for_download", &ready)
	assert.Equal(t, "/download/"+req.TransferID, ready.DownloadURL)

	dl, err := http.Get(ts.URL + ready.DownloadURL)
	require.NoError(t, err)
	defer dl.Body.Close()
	require.Equal(t, http.StatusOK, dl.StatusCode)
	assert.Contains(t, dl.Header.Get("Content-Disposition"), `filename=notes.txt`)
	data, err := io.ReadAll(dl.Body)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	recipient.send(eventComplete, transferMessage{TransferID: req.TransferID})
	assert.Eventually(t, func() bool { return ts.store.Len() == 0 }, 5*time.Second, 10*time.Millisecond)
}

func TestRequestToUnknownTarget(t *testing.T) {
	ts := newTestServer(t)
	sender := ts.connect(t, "Laptop", "10.0.0.2")

	sender.send(eventRequest, requestMessage{Target: "nobody", FileName: "x"})
	var ev transfer.ErrorEvent
	sender.expect("file_transfer_error", &ev)
	assert.Equal(t, "target device not found", ev.Error)
}

func TestRejectNotifiesSender(t *testing.T) {
	ts := newTestServer(t)
	sender := ts.connect(t, "Laptop", "10.0.0.2")
	recipient := ts.connect(t, "Phone", "10.0.0.3")

	sender.send(eventRequest, requestMessage{Target: recipient.id, FileName: "x"})
	var req transfer.RequestEvent
	recipient.expect("file_transfer_request", &req)

	recipient.send(eventReject, transferMessage{TransferID: req.TransferID})
	var rejected transfer.RejectedEvent
	sender.expect("file_transfer_rejected", &rejected)
	assert.Equal(t, req.TransferID, rejected.TransferID)
	_, ok := ts.store.Get(req.TransferID)
	assert.False(t, ok)
}

func TestDisconnectUpdatesRoster(t *testing.T) {
	ts := newTestServer(t)
	watcher := ts.connect(t, "Laptop", "10.0.0.2")
	leaving := ts.connect(t, "Phone", "10.0.0.3")

	require.NoError(t, leaving.conn.Close())

	assert.Eventually(t, func() bool {
		resp, err := http.Get(ts.URL + "/api/devices")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		var roster map[string]models.Device
		if json.NewDecoder(resp.Body).Decode(&roster) != nil {
			return false
		}
		_, gone := roster[leaving.id]
		_, stays := roster[watcher.id]
		return !gone && stays
	}, 5*time.Second, 20*time.Millisecond)
}

func TestUploadErrors(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.upload(t, map[string]string{"transfer_id": "t1"}, "", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "No file part", decode(t, resp)["error"])

	resp = ts.upload(t, nil, "a.txt", "x")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "No transfer ID", decode(t, resp)["error"])

	resp = ts.upload(t, map[string]string{"transfer_id": "unknown"}, "a.txt", "x")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "transfer not found", decode(t, resp)["error"])
}

func TestUploadTooLarge(t *testing.T) {
	ts := newTestServer(t)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	require.NoError(t, mw.WriteField("transfer_id", "t1"))
	fw, err := mw.CreateFormFile("file", "big.bin")
	require.NoError(t, err)
	_, err = fw.Write(bytes.Repeat([]byte("x"), 2<<20))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/upload", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestDownloadNotReady(t *testing.T) {
	ts := newTestServer(t)
	sender := ts.connect(t, "Laptop", "10.0.0.2")
	recipient := ts.connect(t, "Phone", "10.0.0.3")
	sender.send(eventRequest, requestMessage{Target: recipient.id, FileName: "x"})
	var req transfer.RequestEvent
	recipient.expect("file_transfer_request", &req)

	resp, err := http.Get(ts.URL + "/download/" + req.TransferID)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	body := decode(t, resp)
	assert.Equal(t, "files not ready for download", body["error"])
	assert.Equal(t, "pending", body["status"])

	missing, err := http.Get(ts.URL + "/download/nope")
	require.NoError(t, err)
	defer missing.Body.Close()
	assert.Equal(t, http.StatusNotFound, missing.StatusCode)
}

func TestTransferEndpoints(t *testing.T) {
	ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/api/transfers/nope")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = http.Post(ts.URL+"/api/transfers/nope/complete", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/api/history")
	require.NoError(t, err)
	var items []models.TransferHistory
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&items))
	resp.Body.Close()
	assert.Empty(t, items)

	resp, err = http.Get(ts.URL + "/api/history?limit=-1")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestClientAddress(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/ws", nil)
	r.RemoteAddr = "192.168.1.7:51234"
	assert.Equal(t, "192.168.1.7", clientAddress(r))

	r.Header.Set("X-Forwarded-For", "10.1.1.1, 172.16.0.1")
	assert.Equal(t, "10.1.1.1", clientAddress(r))
}

func TestIsMobile(t *testing.T) {
	assert.True(t, isMobile("Mozilla/5.0 (iPhone; CPU iPhone OS 17_0 like Mac OS X)"))
	assert.True(t, isMobile("Mozilla/5.0 (Linux; Android 14; Pixel 8)"))
	assert.True(t, isMobile("Something Mobile Safari"))
	assert.False(t, isMobile("Mozilla/5.0 (X11; Linux x86_64) Firefox/131.0"))
}

func TestStatusFor(t *testing.T) {
	cases := map[error]int{
		transfer.ErrSessionNotFound:  http.StatusNotFound,
		transfer.ErrFilesMissing:     http.StatusNotFound,
		transfer.ErrFilesNotReady:    http.StatusBadRequest,
		transfer.ErrUnsafePath:       http.StatusBadRequest,
		transfer.ErrWriteFailed:      http.StatusInternalServerError,
		transfer.ErrNoFilesCopied:    http.StatusInternalServerError,
		transfer.ErrSomeFilesMissing: http.StatusOK,
		errors.New("boom"):           http.StatusInternalServerError,
	}
	for err, code := range cases {
		assert.Equal(t, code, statusFor(&transfer.Error{Op: "op", Err: err}), err.Error())
	}
}

func TestHubDropsUnknownTarget(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	assert.NotPanics(t, func() { hub.Notify("ghost", "device_list", nil) })
	assert.Equal(t, 0, hub.Len())
}

func TestWriteErrorHidesServerPaths(t *testing.T) {
	s := NewServer(Options{}, Deps{}, zerolog.Nop())
	cause := &os.PathError{Op: "open", Path: "/srv/uploads/t1/secret.txt", Err: os.ErrNotExist}
	err := &transfer.Error{Op: "download", TransferID: "t1", Err: transfer.Wrap(transfer.ErrFilesMissing, cause)}

	rec := httptest.NewRecorder()
	s.writeError(rec, err)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.NotContains(t, rec.Body.String(), "/srv/uploads")
	var body map[string]any
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "files not found", body["error"])
}
