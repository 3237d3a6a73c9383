package jd

import (
	"context"

	"animehub/internal/config"
	"animehub/internal/netx"
)

// Client is what both the local and the relay client provide.
type Client interface {
	AddLinks(ctx context.Context, links []string, packageName string) (Result, error)
	TestConnection(ctx context.Context) (Result, error)
	Disconnect(ctx context.Context)
}

type deviceScanner interface {
	ScanDevices(ctx context.Context) (ScanResult, error)
}

// Manager is the entry point callers use. Every method builds a fresh client,
// so no session state is shared between calls, and tears it down before
// returning.
type Manager struct {
	cfg              config.JDownloader
	net              *netx.Client
	onDeviceSelected func(DeviceSelection)
	newClient        func() Client
}

// Option customizes a Manager.
type Option func(*Manager)

// WithDeviceSelected registers the hook used to persist a newly resolved
// relay device.
func WithDeviceSelected(fn func(DeviceSelection)) Option {
	return func(m *Manager) { m.onDeviceSelected = fn }
}

// NewManager builds a Manager for the normalized settings section cfg.
func NewManager(cfg config.JDownloader, net *netx.Client, opts ...Option) *Manager {
	m := &Manager{cfg: config.NormalizeJDownloader(cfg), net: net}
	for _, opt := range opts {
		opt(m)
	}
	m.newClient = m.buildClient
	return m
}

// Mode reports local or web.
func (m *Manager) Mode() string { return m.cfg.Mode }

func (m *Manager) buildClient() Client {
	if m.cfg.Mode == config.ModeWeb {
		return NewRelayClient(m.net, m.cfg.Web, m.onDeviceSelected)
	}
	return NewLocalClient(m.net, m.cfg.Local)
}

// AddLinks sends links as one package.
func (m *Manager) AddLinks(ctx context.Context, links []string, packageName string) (Result, error) {
	c := m.newClient()
	defer c.Disconnect(ctx)
	res, err := c.AddLinks(ctx, links, packageName)
	return m.finish(OpAddLinks, res, err)
}

// TestConnection checks that the configured download manager answers.
func (m *Manager) TestConnection(ctx context.Context) (Result, error) {
	c := m.newClient()
	defer c.Disconnect(ctx)
	res, err := c.TestConnection(ctx)
	return m.finish(OpTestConnection, res, err)
}

// ScanDevices lists relay devices. It is only available in web mode.
func (m *Manager) ScanDevices(ctx context.Context) (ScanResult, error) {
	if m.cfg.Mode != config.ModeWeb {
		err := newError(CodeModeNotWeb, "La búsqueda de dispositivos solo está disponible en modo My.JDownloader.", nil)
		_, err2 := m.finish(OpScanDevices, Result{}, err)
		return ScanResult{}, err2
	}
	c := m.newClient()
	defer c.Disconnect(ctx)
	s, ok := c.(deviceScanner)
	if !ok {
		_, err := m.finish(OpScanDevices, Result{}, newError(CodeModeNotWeb, "El cliente actual no admite la búsqueda de dispositivos.", nil))
		return ScanResult{}, err
	}
	scan, err := s.ScanDevices(ctx)
	if _, err := m.finish(OpScanDevices, Result{}, err); err != nil {
		return ScanResult{}, err
	}
	return scan, nil
}

func (m *Manager) finish(op Op, res Result, err error) (Result, error) {
	if err != nil {
		wrapped := wrapOp(op, err)
		managerCalls.WithLabelValues(m.cfg.Mode, string(op), string(wrapped.Code)).Inc()
		return Result{}, wrapped
	}
	managerCalls.WithLabelValues(m.cfg.Mode, string(op), "ok").Inc()
	return res, nil
}
