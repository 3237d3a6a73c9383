package jd

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// relayErrorBody is what the relay sends, possibly encrypted, on non-200
// responses.
type relayErrorBody struct {
	Src  string `json:"src"`
	Type string `json:"type"`
}

type relayErrorKind struct {
	code    Code
	message string
}

var relayErrorKinds = map[string]relayErrorKind{
	"AUTH_FAILED":       {CodeAuthFailed, "Correo o contraseña de My.JDownloader incorrectos."},
	"TOKEN_INVALID":     {CodeTokenInvalid, "La sesión de My.JDownloader ya no es válida."},
	"SESSION":           {CodeSession, "La sesión de My.JDownloader expiró."},
	"OFFLINE":           {CodeOffline, "El dispositivo JDownloader no está conectado a My.JDownloader."},
	"OVERLOAD":          {CodeOverload, "My.JDownloader está sobrecargado. Inténtalo de nuevo en unos minutos."},
	"MAINTENANCE":       {CodeMaintenance, "My.JDownloader está en mantenimiento. Inténtalo más tarde."},
	"TOO_MANY_REQUESTS": {CodeTooManyRequests, "Demasiadas peticiones a My.JDownloader. Espera un momento."},
}

var statusFallback = map[int]string{
	http.StatusForbidden:          "AUTH_FAILED",
	http.StatusProxyAuthRequired:  "TOKEN_INVALID",
	http.StatusTooManyRequests:    "TOO_MANY_REQUESTS",
	http.StatusServiceUnavailable: "OVERLOAD",
	http.StatusGatewayTimeout:     "OFFLINE",
}

// classifyRelayError turns a non-200 relay response into an *Error. The body
// is tried as plain JSON first, then decrypted with key. Declared but unknown
// types become CodeHTTPError with the raw status.
func classifyRelayError(status int, body []byte, key []byte) *Error {
	parsed, ok := parseRelayErrorBody(body, key)
	typ := strings.ToUpper(strings.TrimSpace(parsed.Type))
	if kind, known := relayErrorKinds[typ]; ok && known {
		e := newError(kind.code, kind.message, fmt.Errorf("relay error src=%s type=%s", parsed.Src, typ))
		e.Status = status
		return e
	}
	// Status fallbacks only apply when the relay did not declare a type.
	if fb, known := statusFallback[status]; known && typ == "" {
		kind := relayErrorKinds[fb]
		e := newError(kind.code, kind.message, fmt.Errorf("relay status %d", status))
		e.Status = status
		return e
	}
	detail := http.StatusText(status)
	if typ != "" {
		detail = typ
	}
	e := newErrorf(CodeHTTPError, nil, "My.JDownloader respondió con un error HTTP %d (%s).", status, detail)
	e.Status = status
	return e
}

func parseRelayErrorBody(body []byte, key []byte) (relayErrorBody, bool) {
	var out relayErrorBody
	if len(body) == 0 {
		return out, false
	}
	if json.Unmarshal(body, &out) == nil {
		return out, true
	}
	if key == nil {
		return out, false
	}
	plain, err := decrypt(string(body), key)
	if err != nil {
		return out, false
	}
	if json.Unmarshal([]byte(plain), &out) != nil {
		return relayErrorBody{}, false
	}
	return out, true
}

func isTokenError(err error) bool {
	e, ok := AsError(err)
	if !ok {
		return false
	}
	return e.Code == CodeTokenInvalid || e.Code == CodeSession || e.Status == http.StatusProxyAuthRequired
}

func isOfflineError(err error) bool {
	return CodeOf(err) == CodeOffline
}
