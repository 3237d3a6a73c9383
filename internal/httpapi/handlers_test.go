package httpapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"animehub/internal/config"
	"animehub/internal/domain"
	"animehub/internal/jd"
	"animehub/internal/netx"
)

type recordingLogger struct {
	mu    sync.Mutex
	lines []string
}

func (l *recordingLogger) add(level, msg string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lines = append(l.lines, level+" "+msg)
}

func (l *recordingLogger) Info(msg string)  { l.add("[INFO]", msg) }
func (l *recordingLogger) Warn(msg string)  { l.add("[WARN]", msg) }
func (l *recordingLogger) Error(msg string) { l.add("[ERROR]", msg) }

// localJD fakes JDownloader's local API and records addLinks bodies.
type localJD struct {
	mu       sync.Mutex
	status   int
	packages []string
	links    []string
}

func (f *localJD) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.status != 0 {
		w.WriteHeader(f.status)
		return
	}
	switch r.URL.Path {
	case "/jdcheckjson":
		_, _ = io.WriteString(w, `{"version":"2"}`)
	case "/linkgrabberv2/addLinks":
		var body struct {
			Links       string `json:"links"`
			PackageName string `json:"packageName"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.packages = append(f.packages, body.PackageName)
		f.links = append(f.links, strings.Split(body.Links, "\r\n")...)
	default:
		http.NotFound(w, r)
	}
}

func (f *localJD) snapshot() (packages, links []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.packages...), append([]string(nil), f.links...)
}

type fixture struct {
	srv   *Server
	store *config.Store
	jd    *localJD
	log   *recordingLogger
	http  *httptest.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	fake := &localJD{}
	jdSrv := httptest.NewServer(fake)
	t.Cleanup(jdSrv.Close)
	u, _ := url.Parse(jdSrv.URL)
	port, _ := strconv.Atoi(u.Port())

	store := config.NewStore(filepath.Join(t.TempDir(), "settings.yaml"))
	if _, err := store.Update(func(c *config.Settings) {
		c.JDownloader.Mode = config.ModeLocal
		c.JDownloader.Local = config.Local{IP: u.Hostname(), Port: port}
		c.JDownloader.Web.Email = "fan@example.com"
		c.JDownloader.Web.Password = "hunter2"
	}); err != nil {
		t.Fatalf("seed settings: %v", err)
	}
	log := &recordingLogger{}
	srv := NewServer(store, netx.NewClient(2*time.Second, netx.RetryOptions{}), log, nil)
	api := httptest.NewServer(srv.Router())
	t.Cleanup(api.Close)
	return &fixture{srv: srv, store: store, jd: fake, log: log, http: api}
}

func (f *fixture) do(t *testing.T, method, path, body string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, f.http.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	return resp, b
}

func decodeResult(t *testing.T, b []byte) jd.Result {
	t.Helper()
	var res jd.Result
	if err := json.Unmarshal(b, &res); err != nil {
		t.Fatalf("decode %s: %v", b, err)
	}
	return res
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	resp, body := f.do(t, http.MethodGet, "/health", "")
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), "ok") {
		t.Fatalf("unexpected health: %d %s", resp.StatusCode, body)
	}
}

func TestGetSettingsMasksPassword(t *testing.T) {
	f := newFixture(t)
	resp, body := f.do(t, http.MethodGet, "/api/settings", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status %d", resp.StatusCode)
	}
	if strings.Contains(string(body), "hunter2") || !strings.Contains(string(body), passwordMask) {
		t.Fatalf("password leaked or not masked: %s", body)
	}
}

func TestPutSettingsMergesAndKeepsMaskedPassword(t *testing.T) {
	f := newFixture(t)
	resp, body := f.do(t, http.MethodPut, "/api/settings",
		`{"audioPreference":"dub","jdownloader":{"web":{"password":"********","deviceName":" NAS "}}}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", resp.StatusCode, body)
	}
	cur, err := f.store.Get()
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if cur.AudioPreference != "DUB" || cur.JDownloader.Web.DeviceName != "NAS" {
		t.Fatalf("patch not applied: %+v", cur)
	}
	if cur.JDownloader.Web.Password != "hunter2" {
		t.Fatalf("masked password must keep the stored one, got %q", cur.JDownloader.Web.Password)
	}
	if cur.JDownloader.Web.Email != "fan@example.com" || cur.JDownloader.Mode != config.ModeLocal {
		t.Fatalf("untouched fields changed: %+v", cur.JDownloader)
	}

	if resp, _ := f.do(t, http.MethodPut, "/api/settings", `{"jdownloader":{"web":{"password":"new"}}}`); resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status %d", resp.StatusCode)
	}
	if cur, _ := f.store.Get(); cur.JDownloader.Web.Password != "new" {
		t.Fatalf("password not replaced: %q", cur.JDownloader.Web.Password)
	}
}

func TestPutSettingsRejectsInvalidJSON(t *testing.T) {
	f := newFixture(t)
	resp, _ := f.do(t, http.MethodPut, "/api/settings", `{"jdownloader":`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("want 400, got %d", resp.StatusCode)
	}
	if cur, _ := f.store.Get(); cur.JDownloader.Web.Password != "hunter2" {
		t.Fatal("settings must not change on a bad body")
	}
}

func TestPutSettingsAcceptsEnvelope(t *testing.T) {
	f := newFixture(t)
	resp, body := f.do(t, http.MethodPut, "/api/settings",
		`{"settings":{"audioPreference":"dub","jdownloader":{"mode":"web","web":{"password":"********","deviceId":"dev-1","deviceName":"PC"}}}}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", resp.StatusCode, body)
	}
	var reply settingsReply
	if err := json.Unmarshal(body, &reply); err != nil {
		t.Fatalf("decode %s: %v", body, err)
	}
	if !reply.Success || reply.Settings == nil || reply.Settings.JDownloader.Web.Password != passwordMask {
		t.Fatalf("unexpected reply: %s", body)
	}
	cur, _ := f.store.Get()
	if cur.AudioPreference != "DUB" || cur.JDownloader.Mode != config.ModeWeb || cur.JDownloader.Web.DeviceID != "dev-1" {
		t.Fatalf("envelope not applied: %+v", cur)
	}
	if cur.JDownloader.Web.Password != "hunter2" {
		t.Fatalf("masked password must keep the stored one, got %q", cur.JDownloader.Web.Password)
	}
}

func TestPutSettingsRejectsUnknownKeys(t *testing.T) {
	f := newFixture(t)
	for _, body := range []string{
		`{"settingz":{"audioPreference":"dub"}}`,
		`{"settings":{"audioPreference":"dub"},"extra":true}`,
		`{"settings":{"jdownloader":{"web":{"pass":"x"}}}}`,
		``,
	} {
		resp, _ := f.do(t, http.MethodPut, "/api/settings", body)
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("%q: want 400, got %d", body, resp.StatusCode)
		}
	}
	if cur, _ := f.store.Get(); cur.AudioPreference != "SUB" {
		t.Fatalf("settings must not change on a rejected body: %+v", cur)
	}
}

func TestCheckSettingsUsesUnsavedCandidate(t *testing.T) {
	f := newFixture(t)
	seen := make(chan config.JDownloader, 1)
	f.srv.newManager = func(cfg config.JDownloader) manager {
		seen <- cfg
		return stubManager{}
	}
	resp, body := f.do(t, http.MethodPost, "/api/settings/test-connection",
		`{"settings":{"jdownloader":{"mode":"WEB","web":{"email":"new@example.com","password":"********"}}}}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", resp.StatusCode, body)
	}
	var reply settingsReply
	if err := json.Unmarshal(body, &reply); err != nil {
		t.Fatalf("decode %s: %v", body, err)
	}
	if !reply.Success || reply.Result == nil || !reply.Result.Success {
		t.Fatalf("unexpected reply: %s", body)
	}
	cfg := <-seen
	if cfg.Mode != config.ModeWeb || cfg.Web.Email != "new@example.com" || cfg.Web.Password != "hunter2" {
		t.Fatalf("candidate not applied: %+v", cfg)
	}
	if cur, _ := f.store.Get(); cur.JDownloader.Mode != config.ModeLocal || cur.JDownloader.Web.Email != "fan@example.com" {
		t.Fatalf("candidate must not be saved: %+v", cur.JDownloader)
	}
}

func TestCheckSettingsReachesCandidateLocalAPI(t *testing.T) {
	f := newFixture(t)
	resp, body := f.do(t, http.MethodPost, "/api/settings/test-connection",
		`{"settings":{"jdownloader":{"mode":"local","local":{"ip":"127.0.0.1","port":1}}}}`)
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("want 502 for an unreachable candidate, got %d: %s", resp.StatusCode, body)
	}
	if res := decodeResult(t, body); res.Success {
		t.Fatalf("unexpected success: %s", body)
	}

	resp, body = f.do(t, http.MethodPost, "/api/settings/test-connection", `{"bogus":1}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("want 400, got %d: %s", resp.StatusCode, body)
	}
}

func TestValidateAccountListsDevices(t *testing.T) {
	f := newFixture(t)
	seen := make(chan config.JDownloader, 1)
	f.srv.newManager = func(cfg config.JDownloader) manager {
		seen <- cfg
		return stubManager{}
	}
	resp, body := f.do(t, http.MethodPost, "/api/settings/web/devices",
		`{"settings":{"jdownloader":{"mode":"web","web":{"password":"other","deviceId":"","deviceName":""}}}}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", resp.StatusCode, body)
	}
	var reply settingsReply
	if err := json.Unmarshal(body, &reply); err != nil {
		t.Fatalf("decode %s: %v", body, err)
	}
	if !reply.Success || len(reply.Devices) != 1 || reply.SelectedDeviceID != "d1" {
		t.Fatalf("unexpected reply: %s", body)
	}
	if cfg := <-seen; cfg.Mode != config.ModeWeb || cfg.Web.Password != "other" {
		t.Fatalf("candidate not applied: %+v", cfg)
	}

	f.srv.newManager = func(config.JDownloader) manager {
		return stubManager{scanErr: &jd.Error{Code: jd.CodeAuthFailed, Message: "bad"}}
	}
	resp, body = f.do(t, http.MethodPost, "/api/settings/web/devices", `{"settings":{"jdownloader":{"mode":"web"}}}`)
	if resp.StatusCode != http.StatusBadGateway || decodeResult(t, body).Success {
		t.Fatalf("want a failed 502, got %d: %s", resp.StatusCode, body)
	}
	if cur, _ := f.store.Get(); cur.JDownloader.Web.Password != "hunter2" {
		t.Fatal("validation must not save the candidate")
	}
}

func TestTestConnectionLocal(t *testing.T) {
	f := newFixture(t)
	resp, body := f.do(t, http.MethodPost, "/api/jd/test", "")
	res := decodeResult(t, body)
	if resp.StatusCode != http.StatusOK || !res.Success || res.Mode != config.ModeLocal {
		t.Fatalf("unexpected response %d: %s", resp.StatusCode, body)
	}
}

func TestScanDevicesInLocalModeConflicts(t *testing.T) {
	f := newFixture(t)
	resp, body := f.do(t, http.MethodGet, "/api/jd/devices", "")
	res := decodeResult(t, body)
	if resp.StatusCode != http.StatusConflict || res.Code != jd.CodeModeNotWeb {
		t.Fatalf("unexpected response %d: %s", resp.StatusCode, body)
	}
}

func TestAddLinks(t *testing.T) {
	f := newFixture(t)
	resp, body := f.do(t, http.MethodPost, "/api/jd/links", `{"packageName":"One Piece","links":["http://host/f1"]}`)
	res := decodeResult(t, body)
	if resp.StatusCode != http.StatusOK || !res.Success || res.LinkCount != 1 {
		t.Fatalf("unexpected response %d: %s", resp.StatusCode, body)
	}
	if packages, _ := f.jd.snapshot(); len(packages) != 1 || packages[0] != "One Piece" {
		t.Fatalf("unexpected packages %v", packages)
	}
}

func TestAddLinksErrors(t *testing.T) {
	f := newFixture(t)
	resp, body := f.do(t, http.MethodPost, "/api/jd/links", `{"packageName":"X","links":[]}`)
	if res := decodeResult(t, body); resp.StatusCode != http.StatusBadRequest || res.Code != jd.CodeNoLinks {
		t.Fatalf("unexpected response %d: %s", resp.StatusCode, body)
	}

	resp, _ = f.do(t, http.MethodPost, "/api/jd/links", `not json`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("want 400, got %d", resp.StatusCode)
	}

	f.jd.mu.Lock()
	f.jd.status = http.StatusInternalServerError
	f.jd.mu.Unlock()
	resp, body = f.do(t, http.MethodPost, "/api/jd/links", `{"packageName":"X","links":["http://host/a"]}`)
	res := decodeResult(t, body)
	if resp.StatusCode != http.StatusBadGateway || res.Code != jd.CodeLocalHTTPError || res.Success {
		t.Fatalf("unexpected response %d: %s", resp.StatusCode, body)
	}
}

func TestDownloadEpisode(t *testing.T) {
	f := newFixture(t)
	resp, body := f.do(t, http.MethodPost, "/download-episode",
		`{"episodeTitle":"Frieren","episodeLink":"https://animeav1.com/media/frieren/7","links":["http://host/a","http://host/b"]}`)
	res := decodeResult(t, body)
	if resp.StatusCode != http.StatusOK || !res.Success {
		t.Fatalf("unexpected response %d: %s", resp.StatusCode, body)
	}
	if res.Message != "2 enlaces añadidos para Frieren - Episodio 7" {
		t.Fatalf("unexpected message %q", res.Message)
	}
	if packages, _ := f.jd.snapshot(); len(packages) != 1 || packages[0] != "Frieren - Episodio 7" {
		t.Fatalf("unexpected packages %v", packages)
	}
}

func TestDownloadStreamsEvents(t *testing.T) {
	f := newFixture(t)
	req, _ := http.NewRequest(http.MethodPost, f.http.URL+"/download", bytes.NewBufferString(
		`{"animeName":"Frieren","episodes":[{"title":"1","link":"u1","links":["http://host/a"]},{"title":"2","link":"u2","links":["http://host/b"]}]}`))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST /download: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != eventStreamCT {
		t.Fatalf("unexpected content type %q", ct)
	}

	var events []domain.Event
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev domain.Event
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
			t.Fatalf("bad event %q: %v", line, err)
		}
		events = append(events, ev)
	}
	if len(events) != 4 {
		t.Fatalf("want 4 events, got %+v", events)
	}
	last := events[3]
	if !last.Done || !last.Success || last.Msg != "2 enlaces añadidos correctamente" {
		t.Fatalf("unexpected final event %+v", last)
	}
	if events[0].BatchID == "" || events[0].BatchID != last.BatchID {
		t.Fatal("events must share the batch id")
	}
	if packages, links := f.jd.snapshot(); len(links) != 2 || len(packages) != 1 || packages[0] != "Frieren" {
		t.Fatalf("unexpected JDownloader state: %v %v", links, packages)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t)
	f.do(t, http.MethodPost, "/api/jd/test", "")
	resp, body := f.do(t, http.MethodGet, "/metrics", "")
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), "animehub_jd_operations_total") {
		t.Fatalf("unexpected metrics response %d", resp.StatusCode)
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{err: &jd.Error{Code: jd.CodeDeviceOffline}, want: http.StatusConflict},
		{err: &jd.Error{Code: jd.CodeHTTPError, RequiresDeviceSelection: true}, want: http.StatusConflict},
		{err: &jd.Error{Code: jd.CodeModeNotWeb}, want: http.StatusConflict},
		{err: &jd.Error{Code: jd.CodeMissingCredentials}, want: http.StatusBadRequest},
		{err: &jd.Error{Code: jd.CodeNoLinks}, want: http.StatusBadRequest},
		{err: &jd.Error{Code: jd.CodeAuthFailed}, want: http.StatusBadGateway},
		{err: errors.New("plain"), want: http.StatusBadGateway},
	}
	for _, tt := range tests {
		if got := statusFor(tt.err); got != tt.want {
			t.Errorf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestSaveDevicePersists(t *testing.T) {
	f := newFixture(t)
	f.srv.saveDevice(jd.DeviceSelection{DeviceID: "dev-9", DeviceName: "NAS"})
	cur, err := f.store.Get()
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if cur.JDownloader.Web.DeviceID != "dev-9" || cur.JDownloader.Web.DeviceName != "NAS" {
		t.Fatalf("device not persisted: %+v", cur.JDownloader.Web)
	}
}

type stubManager struct {
	scanErr error
}

func (stubManager) Mode() string { return config.ModeWeb }
func (stubManager) AddLinks(context.Context, []string, string) (jd.Result, error) {
	return jd.Result{Success: true}, nil
}
func (stubManager) TestConnection(context.Context) (jd.Result, error) {
	return jd.Result{Success: true}, nil
}
func (s stubManager) ScanDevices(context.Context) (jd.ScanResult, error) {
	if s.scanErr != nil {
		return jd.ScanResult{}, s.scanErr
	}
	d := jd.Device{ID: "d1", Name: "PC", IsReachable: true}
	return jd.ScanResult{Devices: []jd.Device{d}, SelectedDevice: &d}, nil
}

func TestScanDevicesWeb(t *testing.T) {
	f := newFixture(t)
	f.srv.newManager = func(config.JDownloader) manager { return stubManager{} }
	resp, body := f.do(t, http.MethodGet, "/api/jd/devices", "")
	var scan jd.ScanResult
	if err := json.Unmarshal(body, &scan); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.StatusCode != http.StatusOK || len(scan.Devices) != 1 || scan.Devices[0].ID != "d1" {
		t.Fatalf("unexpected response %d: %s", resp.StatusCode, body)
	}

	f.srv.newManager = func(config.JDownloader) manager {
		return stubManager{scanErr: &jd.Error{Code: jd.CodeAuthFailed, Message: "bad"}}
	}
	resp, _ = f.do(t, http.MethodGet, "/api/jd/devices", "")
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("want 502, got %d", resp.StatusCode)
	}
}
