package jd

import (
	"errors"
	"fmt"
)

// Code classifies every failure the download-manager clients can report.
type Code string

const (
	CodeLocalNetworkError Code = "LOCAL_NETWORK_ERROR"
	CodeLocalHTTPError    Code = "LOCAL_HTTP_ERROR"

	CodeMissingCredentials Code = "MYJD_MISSING_CREDENTIALS"
	CodeMissingTokens      Code = "MYJD_MISSING_TOKENS"
	CodeReconnectFailed    Code = "MYJD_RECONNECT_FAILED"
	CodeInvalidResponse    Code = "MYJD_INVALID_RESPONSE"
	CodeInvalidRID         Code = "MYJD_INVALID_RID"
	CodeDecryptFailed      Code = "MYJD_DECRYPT_FAILED"
	CodeNetworkError       Code = "MYJD_NETWORK_ERROR"
	CodeDeviceNetworkError Code = "MYJD_DEVICE_NETWORK_ERROR"
	CodeHTTPError          Code = "MYJD_HTTP_ERROR"
	CodeNoDevices          Code = "MYJD_NO_DEVICES"
	CodeDeviceOffline      Code = "MYJD_DEVICE_OFFLINE"

	// Relay-declared error types.
	CodeAuthFailed      Code = "MYJD_AUTH_FAILED"
	CodeTokenInvalid    Code = "MYJD_TOKEN_INVALID"
	CodeSession         Code = "MYJD_SESSION"
	CodeOffline         Code = "MYJD_OFFLINE"
	CodeOverload        Code = "MYJD_OVERLOAD"
	CodeMaintenance     Code = "MYJD_MAINTENANCE"
	CodeTooManyRequests Code = "MYJD_TOO_MANY_REQUESTS"

	CodeNoLinks     Code = "JD_NO_LINKS"
	CodeModeNotWeb  Code = "JD_MODE_NOT_WEB"
	CodeUnknownFail Code = "JD_UNKNOWN_ERROR"
)

// Op is the normalized top-level message the Manager attaches to failures.
type Op string

const (
	OpAddLinks       Op = "JD_ADD_LINKS_FAILED"
	OpTestConnection Op = "JD_TEST_CONNECTION_FAILED"
	OpScanDevices    Op = "JD_SCAN_DEVICES_FAILED"
)

// Error is the single failure type of this package. Message is meant for end
// users; Code is meant for programs.
type Error struct {
	Code    Code
	Message string
	// Status is the HTTP status that produced the error, zero otherwise.
	Status int
	Op     Op

	RequiresDeviceSelection bool
	AvailableDevices        []Device
	SelectedDeviceID        string
	SelectedDeviceName      string

	Err error
}

func (e *Error) Error() string {
	msg := string(e.Code) + ": " + e.Message
	if e.Op != "" {
		msg = string(e.Op) + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches on Code so callers can write errors.Is(err, &jd.Error{Code: ...}).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code != "" && t.Code == e.Code
}

// Result converts the failure into the payload shape returned to the UI.
func (e *Error) Result() Result {
	devices := e.AvailableDevices
	if devices == nil {
		devices = []Device{}
	}
	return Result{
		Success:                 false,
		Message:                 e.Message,
		Code:                    e.Code,
		RequiresDeviceSelection: e.RequiresDeviceSelection,
		AvailableDevices:        devices,
		SelectedDeviceID:        e.SelectedDeviceID,
		SelectedDeviceName:      e.SelectedDeviceName,
	}
}

// ErrorResult renders any error in the Result shape. Errors without a
// classification get JD_UNKNOWN_ERROR.
func ErrorResult(err error) Result {
	if e, ok := AsError(err); ok {
		return e.Result()
	}
	return wrapOp("", err).Result()
}

// AsError extracts the *Error from err's chain.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// CodeOf returns err's Code, or the empty Code if err carries none.
func CodeOf(err error) Code {
	if e, ok := AsError(err); ok {
		return e.Code
	}
	return ""
}

func newError(code Code, msg string, cause error) *Error {
	return &Error{Code: code, Message: msg, Err: cause}
}

func newErrorf(code Code, cause error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Err: cause}
}

// wrapOp copies the classification of err into a new Error tagged with op so
// the inner Code and device-selection details survive the facade boundary.
func wrapOp(op Op, err error) *Error {
	inner, ok := AsError(err)
	if !ok {
		return &Error{Code: CodeUnknownFail, Message: "Error inesperado al comunicarse con JDownloader.", Op: op, Err: err}
	}
	out := *inner
	out.Op = op
	return &out
}

// Result is the uniform payload both successes and failures conform to.
type Result struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Code    Code   `json:"code,omitempty"`
	Mode    string `json:"mode,omitempty"`

	RequiresDeviceSelection bool     `json:"requiresDeviceSelection"`
	AvailableDevices        []Device `json:"availableDevices"`
	SelectedDeviceID        string   `json:"selectedDeviceId,omitempty"`
	SelectedDeviceName      string   `json:"selectedDeviceName,omitempty"`

	Devices []Device `json:"devices,omitempty"`
	Info    any      `json:"info,omitempty"`
	// LinkCount is the number of links accepted by addLinks.
	LinkCount int `json:"linkCount,omitempty"`
}
