package jd

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"animehub/internal/config"
	"animehub/internal/netx"
)

const (
	testEmail    = "fan@example.com"
	testPassword = "hunter2"
)

type fakeDevice struct {
	ID, Name, Type, Status string
}

// relayReply overrides the fake relay's answer. Body is sent verbatim.
type relayReply struct {
	Status int
	Body   string
}

// fakeRelay implements the server side of the My.JDownloader protocol with the
// same primitives the client uses.
type fakeRelay struct {
	t      *testing.T
	server *httptest.Server

	mu           sync.Mutex
	loginSecret  []byte
	deviceSecret []byte
	session      string
	regain       string
	serverToken  []byte
	deviceToken  []byte
	issued       int
	hits         map[string]int
	devices      []fakeDevice
	deviceCalls  []deviceCall
	ridSkew      int64

	// Hooks return nil to fall through to the default behavior. n is the
	// 1-based hit count for that endpoint, rid the id the client sent.
	onConnect    func(n int, rid int64) *relayReply
	onList       func(n int, rid int64) *relayReply
	onDevice     func(n int, deviceID string) *relayReply
	onDisconnect func(n int, rid int64) *relayReply
}

type deviceCall struct {
	DeviceID string
	Action   string
	Request  deviceRequest
}

func newFakeRelay(t *testing.T, devices ...fakeDevice) *fakeRelay {
	t.Helper()
	f := &fakeRelay{
		t:            t,
		loginSecret:  secret(testEmail, testPassword, domainServer),
		deviceSecret: secret(testEmail, testPassword, domainDevice),
		hits:         map[string]int{},
		devices:      devices,
	}
	f.server = httptest.NewServer(http.HandlerFunc(f.serveHTTP))
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeRelay) webConfig() config.Web {
	return config.Web{
		BaseURL:  f.server.URL,
		Email:    testEmail,
		Password: testPassword,
		AppKey:   config.DefaultAppKey,
	}
}

func (f *fakeRelay) newClient(cfg config.Web, onSelected func(DeviceSelection)) *RelayClient {
	net := netx.NewClient(2*time.Second, netx.RetryOptions{})
	return NewRelayClient(net, cfg, onSelected)
}

func (f *fakeRelay) hitCount(endpoint string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hits[endpoint]
}

func (f *fakeRelay) calls() []deviceCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]deviceCall(nil), f.deviceCalls...)
}

func (f *fakeRelay) serveHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if strings.HasPrefix(r.URL.Path, "/t_") {
		f.serveDevice(w, r)
		return
	}
	f.hits[r.URL.Path]++
	n := f.hits[r.URL.Path]
	q := r.URL.Query()
	rid, _ := strconv.ParseInt(q.Get("rid"), 10, 64)

	switch r.URL.Path {
	case "/my/connect":
		if rep := callHook(f.onConnect, n, rid); rep != nil {
			writeReply(w, rep)
			return
		}
		if q.Get("email") != testEmail || !f.validSignature(r, f.loginSecret) {
			writeReply(w, &relayReply{Status: http.StatusForbidden, Body: `{"src":"MYJD","type":"AUTH_FAILED"}`})
			return
		}
		key := f.loginSecret
		f.issueTokens(f.loginSecret)
		f.writeEncrypted(w, key, map[string]any{"sessiontoken": f.session, "regaintoken": f.regain, "rid": rid + f.ridSkew})
	case "/my/reconnect":
		key := f.serverToken
		if !f.validSignature(r, key) || q.Get("sessiontoken") != f.session || q.Get("regaintoken") != f.regain {
			writeReply(w, &relayReply{Status: http.StatusForbidden, Body: `{"src":"MYJD","type":"AUTH_FAILED"}`})
			return
		}
		f.issueTokens(f.serverToken)
		f.writeEncrypted(w, key, map[string]any{"sessiontoken": f.session, "regaintoken": f.regain, "rid": rid + f.ridSkew})
	case "/my/listdevices":
		if rep := callHook(f.onList, n, rid); rep != nil {
			writeReply(w, rep)
			return
		}
		if !f.validSignature(r, f.serverToken) || q.Get("sessiontoken") != f.session {
			writeReply(w, &relayReply{Status: http.StatusProxyAuthRequired, Body: `{"src":"MYJD","type":"TOKEN_INVALID"}`})
			return
		}
		list := make([]map[string]string, 0, len(f.devices))
		for _, d := range f.devices {
			list = append(list, map[string]string{"id": d.ID, "name": d.Name, "type": d.Type, "status": d.Status})
		}
		f.writeEncrypted(w, f.serverToken, map[string]any{"list": list, "rid": rid + f.ridSkew})
	case "/my/disconnect":
		if rep := callHook(f.onDisconnect, n, rid); rep != nil {
			writeReply(w, rep)
			return
		}
		f.writeEncrypted(w, f.serverToken, map[string]any{"rid": rid + f.ridSkew})
	default:
		http.NotFound(w, r)
	}
}

func (f *fakeRelay) serveDevice(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/t_")
	i := strings.Index(rest, "_")
	j := strings.Index(rest, "/")
	if i < 0 || j < i {
		http.NotFound(w, r)
		return
	}
	session, deviceID, action := rest[:i], rest[i+1:j], rest[j:]
	f.hits["device"]++
	n := f.hits["device"]

	if ct := r.Header.Get("Content-Type"); ct != deviceContentType {
		f.t.Errorf("unexpected device content type %q", ct)
	}
	if session != f.session {
		writeReply(w, &relayReply{Status: http.StatusProxyAuthRequired, Body: `{"src":"MYJD","type":"TOKEN_INVALID"}`})
		return
	}
	raw, _ := io.ReadAll(r.Body)
	plain, err := decrypt(string(raw), f.deviceToken)
	if err != nil {
		f.t.Errorf("device body not decryptable: %v", err)
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	var req deviceRequest
	if err := json.Unmarshal([]byte(plain), &req); err != nil {
		f.t.Errorf("device body not json: %v", err)
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	f.deviceCalls = append(f.deviceCalls, deviceCall{DeviceID: deviceID, Action: action, Request: req})

	if f.onDevice != nil {
		if rep := f.onDevice(n, deviceID); rep != nil {
			writeReply(w, rep)
			return
		}
	}
	f.writeEncrypted(w, f.deviceToken, map[string]any{"data": true, "rid": req.RID + f.ridSkew})
}

func (f *fakeRelay) issueTokens(serverBase []byte) {
	f.issued++
	f.session = fmt.Sprintf("%032x", 0xA0+f.issued)
	f.regain = fmt.Sprintf("%032x", 0xB0+f.issued)
	f.serverToken = deriveToken(serverBase, f.session)
	f.deviceToken = deriveToken(f.deviceSecret, f.session)
}

func (f *fakeRelay) validSignature(r *http.Request, key []byte) bool {
	raw := r.URL.RawQuery
	i := strings.LastIndex(raw, "&signature=")
	if i < 0 {
		return false
	}
	unsigned := r.URL.Path + "?" + raw[:i]
	return sign(key, unsigned) == raw[i+len("&signature="):]
}

func (f *fakeRelay) writeEncrypted(w http.ResponseWriter, key []byte, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		f.t.Errorf("marshal: %v", err)
		return
	}
	body, err := encrypt(string(b), key)
	if err != nil {
		f.t.Errorf("encrypt: %v", err)
		return
	}
	_, _ = io.WriteString(w, body)
}

func callHook(fn func(int, int64) *relayReply, n int, rid int64) *relayReply {
	if fn == nil {
		return nil
	}
	return fn(n, rid)
}

func mustEncrypt(t *testing.T, plain string, key []byte) string {
	t.Helper()
	out, err := encrypt(plain, key)
	if err != nil {
		t.Errorf("encrypt: %v", err)
	}
	return out
}

func writeReply(w http.ResponseWriter, rep *relayReply) {
	w.WriteHeader(rep.Status)
	_, _ = io.WriteString(w, rep.Body)
}
