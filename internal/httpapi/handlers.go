package httpapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"animehub/internal/config"
	"animehub/internal/domain"
	"animehub/internal/jd"
)

const (
	maxBodyBytes   = 1 << 20
	passwordMask   = "********"
	eventStreamCT  = "text/event-stream"
	applicationCT  = "application/json"
	invalidBodyMsg = "Cuerpo de la petición no válido."
)

type addLinksRequest struct {
	PackageName string   `json:"packageName"`
	Links       []string `json:"links"`
}

type downloadEpisodeRequest struct {
	EpisodeTitle string   `json:"episodeTitle"`
	EpisodeLink  string   `json:"episodeLink"`
	Links        []string `json:"links"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleGetSettings(w http.ResponseWriter, _ *http.Request) {
	cur, err := s.store.Get()
	if err != nil {
		s.settingsError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, maskSettings(cur))
}

// settingsReply is what the settings page reads after a save or a check.
type settingsReply struct {
	Success            bool             `json:"success"`
	Message            string           `json:"message"`
	Settings           *config.Settings `json:"settings,omitempty"`
	Result             *jd.Result       `json:"result,omitempty"`
	Devices            []jd.Device      `json:"devices,omitempty"`
	SelectedDeviceID   string           `json:"selectedDeviceId,omitempty"`
	SelectedDeviceName string           `json:"selectedDeviceName,omitempty"`
}

// handlePutSettings merges the JSON body over the current settings. The body
// is either a bare patch or {"settings": patch}; unknown keys are rejected.
// Sending back the masked password keeps the stored one.
func (s *Server) handlePutSettings(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, failure(invalidBodyMsg))
		return
	}
	patch, err := parseSettingsPatch(raw)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, failure(invalidBodyMsg))
		return
	}
	next, err := s.store.Update(func(c *config.Settings) {
		*c = applySettingsPatch(*c, patch)
	})
	if err != nil {
		s.settingsError(w, err)
		return
	}
	s.log.Info("settings updated")
	masked := maskSettings(next)
	writeJSON(w, http.StatusOK, settingsReply{Success: true, Message: "Configuración guardada.", Settings: &masked})
}

// handleTestConnection tests the stored settings, or the unsaved candidate
// when the body carries one.
func (s *Server) handleTestConnection(w http.ResponseWriter, r *http.Request) {
	m, ok := s.candidateManager(w, r)
	if !ok {
		return
	}
	res, err := m.TestConnection(r.Context())
	if err != nil {
		s.writeJDError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleCheckSettings backs the settings page's connection test. Nothing is
// saved.
func (s *Server) handleCheckSettings(w http.ResponseWriter, r *http.Request) {
	m, ok := s.candidateManager(w, r)
	if !ok {
		return
	}
	res, err := m.TestConnection(r.Context())
	if err != nil {
		s.writeJDError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, settingsReply{Success: true, Message: res.Message, Result: &res})
}

func (s *Server) handleScanDevices(w http.ResponseWriter, r *http.Request) {
	m, ok := s.manager(w)
	if !ok {
		return
	}
	scan, err := m.ScanDevices(r.Context())
	if err != nil {
		s.writeJDError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, scan)
}

// handleValidateAccount logs in with unsaved web credentials and lists the
// account's devices for the picker.
func (s *Server) handleValidateAccount(w http.ResponseWriter, r *http.Request) {
	m, ok := s.candidateManager(w, r)
	if !ok {
		return
	}
	scan, err := m.ScanDevices(r.Context())
	if err != nil {
		s.writeJDError(w, err)
		return
	}
	reply := settingsReply{
		Success: true,
		Message: fmt.Sprintf("Cuenta validada: %d dispositivo(s) encontrado(s).", len(scan.Devices)),
		Devices: scan.Devices,
	}
	if reply.Devices == nil {
		reply.Devices = []jd.Device{}
	}
	if scan.SelectedDevice != nil {
		reply.SelectedDeviceID = scan.SelectedDevice.ID
		reply.SelectedDeviceName = scan.SelectedDevice.Name
	}
	writeJSON(w, http.StatusOK, reply)
}

func (s *Server) handleAddLinks(w http.ResponseWriter, r *http.Request) {
	var req addLinksRequest
	if !decodeBody(w, r, &req) {
		return
	}
	m, ok := s.manager(w)
	if !ok {
		return
	}
	res, err := m.AddLinks(r.Context(), req.Links, req.PackageName)
	if err != nil {
		s.writeJDError(w, err)
		return
	}
	s.log.Info(fmt.Sprintf("added %d links for %s", res.LinkCount, req.PackageName))
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleDownloadEpisode(w http.ResponseWriter, r *http.Request) {
	var req downloadEpisodeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	m, ok := s.manager(w)
	if !ok {
		return
	}
	d := domain.NewDispatcher(m, s.source)
	res, err := d.DispatchEpisode(r.Context(), domain.Episode{Title: req.EpisodeTitle, Link: req.EpisodeLink, Links: req.Links})
	if err != nil {
		s.log.Error(fmt.Sprintf("episode download failed for %s: %v", req.EpisodeTitle, err))
		s.writeJDError(w, err)
		return
	}
	s.log.Info(res.Message)
	writeJSON(w, http.StatusOK, res)
}

// handleDownload streams dispatch progress as server-sent events.
func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	var batch domain.Batch
	if !decodeBody(w, r, &batch) {
		return
	}
	m, ok := s.manager(w)
	if !ok {
		return
	}
	flusher, _ := w.(http.Flusher)
	w.Header().Set("Content-Type", eventStreamCT)
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	if flusher != nil {
		flusher.Flush()
	}

	d := domain.NewDispatcher(m, s.source)
	_, err := d.Dispatch(r.Context(), batch, func(ev domain.Event) {
		b, err := json.Marshal(ev)
		if err != nil {
			return
		}
		fmt.Fprintf(w, "data: %s\n\n", b)
		if flusher != nil {
			flusher.Flush()
		}
	})
	if err != nil {
		s.log.Error(fmt.Sprintf("batch download failed for %s: %v", batch.Name, err))
		return
	}
	s.log.Info(fmt.Sprintf("batch %s dispatched", batch.Name))
}

func (s *Server) manager(w http.ResponseWriter) (manager, bool) {
	cur, err := s.store.Get()
	if err != nil {
		s.settingsError(w, err)
		return nil, false
	}
	return s.newManager(cur.JDownloader), true
}

// candidateManager builds a manager from the stored settings overlaid with the
// request's optional {"settings": ...} candidate. The candidate is never
// persisted.
func (s *Server) candidateManager(w http.ResponseWriter, r *http.Request) (manager, bool) {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, failure(invalidBodyMsg))
		return nil, false
	}
	cur, err := s.store.Get()
	if err != nil {
		s.settingsError(w, err)
		return nil, false
	}
	if len(bytes.TrimSpace(raw)) > 0 {
		patch, err := parseSettingsPatch(raw)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, failure(invalidBodyMsg))
			return nil, false
		}
		cur = config.Normalize(applySettingsPatch(cur, patch))
	}
	return s.newManager(cur.JDownloader), true
}

// parseSettingsPatch unwraps an optional {"settings": ...} envelope and
// checks the patch only names known fields.
func parseSettingsPatch(raw []byte) (json.RawMessage, error) {
	var env map[string]json.RawMessage
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, err
	}
	patch := json.RawMessage(raw)
	if inner, ok := env["settings"]; ok && len(env) == 1 {
		patch = inner
	}
	dec := json.NewDecoder(bytes.NewReader(patch))
	dec.DisallowUnknownFields()
	var scratch config.Settings
	if err := dec.Decode(&scratch); err != nil {
		return nil, err
	}
	return patch, nil
}

// applySettingsPatch overlays a validated patch. A masked password keeps the
// current one.
func applySettingsPatch(cur config.Settings, patch json.RawMessage) config.Settings {
	next := cur
	if err := json.Unmarshal(patch, &next); err != nil {
		return cur
	}
	if next.JDownloader.Web.Password == passwordMask {
		next.JDownloader.Web.Password = cur.JDownloader.Web.Password
	}
	return next
}

func (s *Server) settingsError(w http.ResponseWriter, err error) {
	s.log.Error(fmt.Sprintf("settings: %v", err))
	writeJSON(w, http.StatusInternalServerError, failure("No se pudieron leer los ajustes."))
}

func (s *Server) writeJDError(w http.ResponseWriter, err error) {
	res := jd.ErrorResult(err)
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.log.Warn(err.Error())
	}
	writeJSON(w, status, res)
}

// statusFor maps failures: device selection 409, configuration 400, the rest
// is an upstream failure.
func statusFor(err error) int {
	e, ok := jd.AsError(err)
	if !ok {
		return http.StatusBadGateway
	}
	switch {
	case e.RequiresDeviceSelection, e.Code == jd.CodeDeviceOffline, e.Code == jd.CodeModeNotWeb:
		return http.StatusConflict
	case e.Code == jd.CodeMissingCredentials, e.Code == jd.CodeNoLinks:
		return http.StatusBadRequest
	}
	return http.StatusBadGateway
}

func maskSettings(c config.Settings) config.Settings {
	if c.JDownloader.Web.Password != "" {
		c.JDownloader.Web.Password = passwordMask
	}
	return c
}

func failure(msg string) jd.Result {
	return jd.Result{Success: false, Message: msg, AvailableDevices: []jd.Device{}}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, failure(invalidBodyMsg))
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", applicationCT)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
