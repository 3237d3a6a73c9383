package jd

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"animehub/internal/config"
	"animehub/internal/netx"
)

const (
	localAddTimeout  = 15 * time.Second
	localTestTimeout = 10 * time.Second
)

// LocalClient talks to JDownloader's HTTP API on a reachable host. There is
// no authentication and no encryption.
type LocalClient struct {
	net     *netx.Client
	baseURL string
}

// NewLocalClient builds a client for http://ip:port.
func NewLocalClient(net *netx.Client, cfg config.Local) *LocalClient {
	return &LocalClient{net: net, baseURL: cfg.LocalBaseURL()}
}

// AddLinks queues links in the link grabber under a sanitized package name.
func (c *LocalClient) AddLinks(ctx context.Context, links []string, packageName string) (Result, error) {
	links = cleanLinks(links)
	if len(links) == 0 {
		return Result{}, errNoLinks()
	}
	body, err := json.Marshal(newAddLinksPayload(links, packageName))
	if err != nil {
		return Result{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, localAddTimeout)
	defer cancel()
	status, _, err := c.net.PostJSON(ctx, c.baseURL+"/linkgrabberv2/addLinks", body)
	if err != nil {
		return Result{}, c.networkError(err)
	}
	if err := checkLocalStatus(status); err != nil {
		return Result{}, err
	}
	return Result{
		Success:   true,
		Mode:      config.ModeLocal,
		Message:   fmt.Sprintf("%d enlaces añadidos a JDownloader.", len(links)),
		LinkCount: len(links),
	}, nil
}

// TestConnection calls /jdcheckjson; any 2xx is success.
func (c *LocalClient) TestConnection(ctx context.Context) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, localTestTimeout)
	defer cancel()
	status, body, err := c.net.GetText(ctx, c.baseURL+"/jdcheckjson", nil)
	if err != nil {
		return Result{}, c.networkError(err)
	}
	if err := checkLocalStatus(status); err != nil {
		return Result{}, err
	}
	var info any = body
	var parsed map[string]any
	if json.Unmarshal([]byte(body), &parsed) == nil {
		info = parsed
	}
	return Result{
		Success: true,
		Mode:    config.ModeLocal,
		Message: "Conexión con JDownloader local establecida en " + c.baseURL + ".",
		Info:    info,
	}, nil
}

// Disconnect is a no-op: the local API is stateless.
func (c *LocalClient) Disconnect(context.Context) {}

func (c *LocalClient) networkError(err error) *Error {
	return newErrorf(CodeLocalNetworkError, err, "No se pudo conectar con JDownloader en %s. ¿Está abierto y con la API local activada?", c.baseURL)
}

func checkLocalStatus(status int) error {
	if status >= 200 && status < 300 {
		return nil
	}
	e := newErrorf(CodeLocalHTTPError, nil, "JDownloader respondió con un error HTTP %d (%s).", status, http.StatusText(status))
	e.Status = status
	return e
}
