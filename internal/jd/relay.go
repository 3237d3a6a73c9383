package jd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"animehub/internal/config"
	"animehub/internal/netx"
)

const (
	relayTimeout      = 20 * time.Second
	deviceTimeout     = 20 * time.Second
	disconnectTimeout = 5 * time.Second

	deviceAPIVersion  = 1
	deviceContentType = "application/aesjson-jd; charset=utf-8"
)

// RelayClient speaks the My.JDownloader relay protocol for one logical
// operation. It is not safe for concurrent use; build one per call and
// Disconnect it when done.
type RelayClient struct {
	net              *netx.Client
	cfg              config.Web
	onDeviceSelected func(DeviceSelection)
	rid              ridSource

	loginSecret  []byte
	deviceSecret []byte
	sessionToken string
	regainToken  string
	// serverToken signs and decrypts account calls, deviceToken encrypts
	// device calls. Both rotate with sessionToken.
	serverToken []byte
	deviceToken []byte
}

// NewRelayClient builds a client from web settings. onDeviceSelected may be
// nil; when set it is called whenever a device other than the configured one
// gets used.
func NewRelayClient(net *netx.Client, cfg config.Web, onDeviceSelected func(DeviceSelection)) *RelayClient {
	return &RelayClient{net: net, cfg: cfg, onDeviceSelected: onDeviceSelected}
}

type param struct {
	key   string
	value string
}

type tokenResponse struct {
	SessionToken string `json:"sessiontoken"`
	RegainToken  string `json:"regaintoken"`
}

type listDevicesResponse struct {
	List []struct {
		ID     string `json:"id"`
		Name   string `json:"name"`
		Type   string `json:"type"`
		Status string `json:"status"`
	} `json:"list"`
}

type deviceRequest struct {
	APIVer int    `json:"apiVer"`
	URL    string `json:"url"`
	RID    int64  `json:"rid"`
	Params []any  `json:"params"`
}

// ScanResult feeds the device picker.
type ScanResult struct {
	Devices        []Device `json:"devices"`
	SelectedDevice *Device  `json:"selectedDevice"`
}

// Connect performs the login handshake and installs fresh session tokens.
func (c *RelayClient) Connect(ctx context.Context) error {
	email := strings.ToLower(strings.TrimSpace(c.cfg.Email))
	if email == "" || c.cfg.Password == "" {
		return newError(CodeMissingCredentials, "Configura el correo y la contraseña de My.JDownloader en Ajustes.", nil)
	}
	login := secret(email, c.cfg.Password, domainServer)
	device := secret(email, c.cfg.Password, domainDevice)

	var resp tokenResponse
	err := c.callServer(ctx, "/my/connect", login, []param{{"email", email}, {"appkey", c.cfg.AppKey}}, &resp)
	if err != nil {
		return err
	}
	if resp.SessionToken == "" || resp.RegainToken == "" {
		return newError(CodeMissingTokens, "My.JDownloader no devolvió los tokens de sesión.", nil)
	}
	c.loginSecret = login
	c.deviceSecret = device
	c.installTokens(resp, c.loginSecret)
	return nil
}

// Reconnect rotates the session with the regain token, or logs in from
// scratch when there is no session yet.
func (c *RelayClient) Reconnect(ctx context.Context) error {
	relayReconnects.Inc()
	if c.sessionToken == "" {
		return c.Connect(ctx)
	}
	var resp tokenResponse
	err := c.callServer(ctx, "/my/reconnect", c.serverToken, []param{
		{"sessiontoken", c.sessionToken},
		{"regaintoken", c.regainToken},
	}, &resp)
	if err == nil && (resp.SessionToken == "" || resp.RegainToken == "") {
		err = errors.New("reconnect response without session tokens")
	}
	if err != nil {
		return newError(CodeReconnectFailed, "No se pudo renovar la sesión de My.JDownloader.", err)
	}
	// The server token is re-derived from its previous value, not from the
	// login secret.
	c.installTokens(resp, c.serverToken)
	return nil
}

func (c *RelayClient) installTokens(resp tokenResponse, serverBase []byte) {
	c.sessionToken = resp.SessionToken
	c.regainToken = resp.RegainToken
	c.serverToken = deriveToken(serverBase, resp.SessionToken)
	c.deviceToken = deriveToken(c.deviceSecret, resp.SessionToken)
}

func (c *RelayClient) ensureConnected(ctx context.Context) error {
	if c.sessionToken != "" {
		return nil
	}
	return c.Connect(ctx)
}

// Disconnect ends the relay session on a best-effort basis and always clears
// local session state.
func (c *RelayClient) Disconnect(ctx context.Context) {
	if c.sessionToken != "" {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), disconnectTimeout)
		_ = c.callServer(ctx, "/my/disconnect", c.serverToken, []param{{"sessiontoken", c.sessionToken}}, nil)
		cancel()
	}
	c.loginSecret = nil
	c.deviceSecret = nil
	c.sessionToken = ""
	c.regainToken = ""
	c.serverToken = nil
	c.deviceToken = nil
}

// callServer issues a signed GET to an account endpoint and decodes the
// encrypted answer into out (which may be nil).
func (c *RelayClient) callServer(ctx context.Context, path string, key []byte, params []param, out any) (err error) {
	defer func() { observeRelay(path, err) }()

	rid := c.rid.next()
	parts := make([]string, 0, len(params)+1)
	for _, p := range params {
		parts = append(parts, p.key+"="+url.QueryEscape(p.value))
	}
	parts = append(parts, "rid="+strconv.FormatInt(rid, 10))
	unsigned := path + "?" + strings.Join(parts, "&")
	target := c.cfg.BaseURL + unsigned + "&signature=" + sign(key, unsigned)

	ctx, cancel := context.WithTimeout(ctx, relayTimeout)
	defer cancel()
	resp, err := c.net.Send(ctx, http.MethodGet, target, nil, nil)
	if err != nil {
		return newError(CodeNetworkError, "No se pudo conectar con My.JDownloader.", err)
	}
	if resp.Status != http.StatusOK {
		return classifyRelayError(resp.Status, resp.Body, key)
	}
	plain, err := decrypt(string(resp.Body), key)
	if err != nil {
		return err
	}
	_, err = decodeEnvelope([]byte(plain), rid, out)
	return err
}

// ListDevices lists the account's devices. A token or session error gets
// exactly one reconnect and retry.
func (c *RelayClient) ListDevices(ctx context.Context) ([]Device, error) {
	if err := c.ensureConnected(ctx); err != nil {
		return nil, err
	}
	var budget reconnectBudget
	return c.listDevices(ctx, &budget)
}

// reconnectBudget is the single reconnect one logical call may spend,
// shared by its listings and device posts.
type reconnectBudget struct {
	spent bool
}

// reconnectOnce reconnects unless the call already did. It reports whether
// the caller should retry.
func (c *RelayClient) reconnectOnce(ctx context.Context, b *reconnectBudget) (bool, error) {
	if b.spent {
		return false, nil
	}
	b.spent = true
	if err := c.Reconnect(ctx); err != nil {
		return false, err
	}
	return true, nil
}

func (c *RelayClient) listDevices(ctx context.Context, b *reconnectBudget) ([]Device, error) {
	devices, err := c.fetchDevices(ctx)
	if err != nil && isTokenError(err) {
		retry, rerr := c.reconnectOnce(ctx, b)
		if rerr != nil {
			return nil, rerr
		}
		if retry {
			devices, err = c.fetchDevices(ctx)
		}
	}
	return devices, err
}

func (c *RelayClient) fetchDevices(ctx context.Context) ([]Device, error) {
	var resp listDevicesResponse
	if err := c.callServer(ctx, "/my/listdevices", c.serverToken, []param{{"sessiontoken", c.sessionToken}}, &resp); err != nil {
		return nil, err
	}
	devices := make([]Device, 0, len(resp.List))
	for _, d := range resp.List {
		dev := newDevice(d.ID, d.Name, d.Type, d.Status)
		if dev.ID == "" {
			continue
		}
		devices = append(devices, dev)
	}
	return devices, nil
}

// selectDeviceForCall applies the device policy for RPC calls: a reachable
// preferred device is used; an unreachable preferred device is never swapped
// silently; with no preference the first reachable (or first) device wins.
func (c *RelayClient) selectDeviceForCall(devices []Device) (Device, error) {
	if len(devices) == 0 {
		return Device{}, newError(CodeNoDevices, "No hay dispositivos JDownloader vinculados a tu cuenta de My.JDownloader.", nil)
	}
	if preferred, ok := findPreferredDevice(devices, c.cfg.DeviceID, c.cfg.DeviceName); ok {
		if !preferred.IsReachable {
			return preferred, c.offlineError(preferred, reachableDevices(devices, preferred.ID), nil)
		}
		c.persistSelection(preferred)
		return preferred, nil
	}
	chosen := devices[0]
	if r := reachableDevices(devices, ""); len(r) > 0 {
		chosen = r[0]
	}
	c.persistSelection(chosen)
	return chosen, nil
}

func (c *RelayClient) persistSelection(d Device) {
	if d.ID == c.cfg.DeviceID {
		c.cfg.DeviceName = d.Name
		return
	}
	c.cfg.DeviceID = d.ID
	c.cfg.DeviceName = d.Name
	if c.onDeviceSelected != nil {
		c.onDeviceSelected(DeviceSelection{DeviceID: d.ID, DeviceName: d.Name})
	}
}

func (c *RelayClient) configuredDevice() Device {
	return Device{ID: c.cfg.DeviceID, Name: c.cfg.DeviceName}
}

// offlineError builds the MYJD_DEVICE_OFFLINE payload. Selection is required
// exactly when there is somewhere else to send the links.
func (c *RelayClient) offlineError(selected Device, alternatives []Device, cause error) *Error {
	if alternatives == nil {
		alternatives = []Device{}
	}
	label := selected.Label()
	var msg string
	switch {
	case label == "" && len(alternatives) > 0:
		msg = "El dispositivo JDownloader está desconectado. Elige otro dispositivo para continuar."
	case label == "":
		msg = "El dispositivo JDownloader está desconectado y no hay otros dispositivos disponibles."
	case len(alternatives) > 0:
		msg = fmt.Sprintf("El dispositivo «%s» está desconectado. Elige otro dispositivo para continuar.", label)
	default:
		msg = fmt.Sprintf("El dispositivo «%s» está desconectado y no hay otros dispositivos disponibles.", label)
	}
	e := newError(CodeDeviceOffline, msg, cause)
	e.RequiresDeviceSelection = len(alternatives) > 0
	e.AvailableDevices = alternatives
	e.SelectedDeviceID = selected.ID
	e.SelectedDeviceName = selected.Name
	deviceOffline.WithLabelValues(strconv.FormatBool(e.RequiresDeviceSelection)).Inc()
	return e
}

// escalateOffline re-scans devices after a device went away mid-call so the
// caller gets fresh alternatives, excluding the failed device.
func (c *RelayClient) escalateOffline(ctx context.Context, b *reconnectBudget, failed Device, cause error) *Error {
	devices, err := c.listDevices(ctx, b)
	if err != nil {
		devices = nil
	}
	return c.offlineError(failed, reachableDevices(devices, failed.ID), cause)
}

// callDevice routes an encrypted RPC to the selected device. The whole call
// gets one reconnect and a full retry on token errors; offline devices
// surface as MYJD_DEVICE_OFFLINE and are never substituted automatically.
func (c *RelayClient) callDevice(ctx context.Context, action string, params []any) (json.RawMessage, Device, error) {
	if err := c.ensureConnected(ctx); err != nil {
		return nil, Device{}, err
	}
	var budget reconnectBudget
	for {
		devices, err := c.listDevices(ctx, &budget)
		if err != nil {
			if isOfflineError(err) {
				return nil, Device{}, c.offlineError(c.configuredDevice(), nil, err)
			}
			return nil, Device{}, err
		}
		device, err := c.selectDeviceForCall(devices)
		if err != nil {
			return nil, device, err
		}
		data, err := c.postDevice(ctx, device, action, params)
		if err != nil && isTokenError(err) {
			retry, rerr := c.reconnectOnce(ctx, &budget)
			if rerr != nil {
				return nil, device, rerr
			}
			if retry {
				continue
			}
		}
		switch {
		case err == nil:
			return data, device, nil
		case isOfflineError(err):
			return nil, device, c.escalateOffline(ctx, &budget, device, err)
		default:
			return nil, device, err
		}
	}
}

func (c *RelayClient) postDevice(ctx context.Context, device Device, action string, params []any) (data json.RawMessage, err error) {
	defer func() { observeRelay("device"+action, err) }()

	if params == nil {
		params = []any{}
	}
	rid := c.rid.next()
	plain, err := json.Marshal(deviceRequest{APIVer: deviceAPIVersion, URL: action, RID: rid, Params: params})
	if err != nil {
		return nil, err
	}
	body, err := encrypt(string(plain), c.deviceToken)
	if err != nil {
		return nil, err
	}
	target := c.cfg.BaseURL + "/t_" + url.PathEscape(c.sessionToken) + "_" + url.PathEscape(device.ID) + action

	ctx, cancel := context.WithTimeout(ctx, deviceTimeout)
	defer cancel()
	resp, err := c.net.Send(ctx, http.MethodPost, target, map[string]string{"Content-Type": deviceContentType}, []byte(body))
	if err != nil {
		return nil, newErrorf(CodeDeviceNetworkError, err, "No se pudo contactar con el dispositivo «%s» a través de My.JDownloader.", device.Label())
	}
	if resp.Status != http.StatusOK {
		return nil, classifyRelayError(resp.Status, resp.Body, c.deviceToken)
	}
	decrypted, err := decrypt(string(resp.Body), c.deviceToken)
	if err != nil {
		return nil, err
	}
	return decodeEnvelope([]byte(decrypted), rid, nil)
}

// decodeEnvelope checks the echoed rid, unmarshals into out when given, and
// returns the .data member (or the whole document when there is none).
func decodeEnvelope(plain []byte, rid int64, out any) (json.RawMessage, error) {
	var env struct {
		RID  json.Number     `json:"rid"`
		Data json.RawMessage `json:"data"`
	}
	dec := json.NewDecoder(bytes.NewReader(plain))
	dec.UseNumber()
	if err := dec.Decode(&env); err != nil {
		return nil, newError(CodeInvalidResponse, "Respuesta no válida de My.JDownloader.", err)
	}
	if env.RID.String() != strconv.FormatInt(rid, 10) {
		return nil, newError(CodeInvalidRID, "La respuesta de My.JDownloader no corresponde a la petición enviada.",
			fmt.Errorf("rid mismatch: sent %d, got %q", rid, env.RID.String()))
	}
	if out != nil {
		if err := json.Unmarshal(plain, out); err != nil {
			return nil, newError(CodeInvalidResponse, "Respuesta no válida de My.JDownloader.", err)
		}
	}
	if len(env.Data) > 0 && string(env.Data) != "null" {
		return env.Data, nil
	}
	return json.RawMessage(plain), nil
}

// AddLinks sends links to the selected device's link grabber.
func (c *RelayClient) AddLinks(ctx context.Context, links []string, packageName string) (Result, error) {
	links = cleanLinks(links)
	if len(links) == 0 {
		return Result{}, errNoLinks()
	}
	payload, err := json.Marshal(newAddLinksPayload(links, packageName))
	if err != nil {
		return Result{}, err
	}
	_, device, err := c.callDevice(ctx, "/linkgrabberv2/addLinks", []any{string(payload)})
	if err != nil {
		return Result{}, err
	}
	return Result{
		Success:            true,
		Mode:               config.ModeWeb,
		Message:            fmt.Sprintf("%d enlaces enviados a JDownloader (%s).", len(links), device.Label()),
		LinkCount:          len(links),
		SelectedDeviceID:   device.ID,
		SelectedDeviceName: device.Name,
	}, nil
}

// TestConnection logs in and reports the devices on the account.
func (c *RelayClient) TestConnection(ctx context.Context) (Result, error) {
	if err := c.ensureConnected(ctx); err != nil {
		return Result{}, err
	}
	scan, err := c.ScanDevices(ctx)
	if err != nil {
		return Result{}, err
	}
	res := Result{
		Success: true,
		Mode:    config.ModeWeb,
		Message: fmt.Sprintf("Conectado a My.JDownloader: %d dispositivo(s) encontrado(s).", len(scan.Devices)),
		Devices: scan.Devices,
	}
	if scan.SelectedDevice != nil {
		res.SelectedDeviceID = scan.SelectedDevice.ID
		res.SelectedDeviceName = scan.SelectedDevice.Name
	}
	return res, nil
}

// ScanDevices lists devices and the one a settings picker should highlight.
// Unlike device calls it tolerates an unreachable preferred device.
func (c *RelayClient) ScanDevices(ctx context.Context) (ScanResult, error) {
	devices, err := c.ListDevices(ctx)
	if err != nil {
		return ScanResult{}, err
	}
	return ScanResult{
		Devices:        devices,
		SelectedDevice: settingsDevice(devices, c.cfg.DeviceID, c.cfg.DeviceName),
	}, nil
}
