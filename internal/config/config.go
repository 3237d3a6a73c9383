package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	// ModeLocal talks to JDownloader's same-host HTTP API.
	ModeLocal = "local"
	// ModeWeb goes through the My.JDownloader relay.
	ModeWeb = "web"

	DefaultLocalIP    = "127.0.0.1"
	DefaultLocalPort  = 3128
	DefaultBaseURL    = "https://api.jdownloader.org"
	DefaultAppKey     = "animehub-webui"
	DefaultServerAddr = ":3000"
)

// Settings defines runtime settings loaded from YAML.
type Settings struct {
	// AudioPreference is SUB or DUB.
	AudioPreference string      `yaml:"audioPreference" json:"audioPreference"`
	Server          Server      `yaml:"server" json:"server"`
	JDownloader     JDownloader `yaml:"jdownloader" json:"jdownloader"`
}

// Server configures the HTTP boundary.
type Server struct {
	Addr string `yaml:"addr" json:"addr"`
}

// JDownloader selects and configures the download manager client.
// Exactly one of Local/Web is used, chosen by Mode.
type JDownloader struct {
	Mode  string `yaml:"mode" json:"mode"`
	Local Local  `yaml:"local" json:"local"`
	Web   Web    `yaml:"web" json:"web"`
}

// Local addresses the same-host JDownloader API.
type Local struct {
	IP   string `yaml:"ip" json:"ip"`
	Port int    `yaml:"port" json:"port"`
}

// Web holds My.JDownloader relay credentials and the preferred device.
type Web struct {
	BaseURL    string `yaml:"baseUrl" json:"baseUrl"`
	Email      string `yaml:"email" json:"email"`
	Password   string `yaml:"password" json:"password"`
	AppKey     string `yaml:"appKey" json:"appKey"`
	DeviceID   string `yaml:"deviceId" json:"deviceId"`
	DeviceName string `yaml:"deviceName" json:"deviceName"`
}

// Defaults returns the settings used when no file exists.
func Defaults() Settings {
	return Settings{
		AudioPreference: "SUB",
		Server:          Server{Addr: DefaultServerAddr},
		JDownloader: JDownloader{
			Mode:  ModeLocal,
			Local: Local{IP: DefaultLocalIP, Port: DefaultLocalPort},
			Web:   Web{BaseURL: DefaultBaseURL, AppKey: DefaultAppKey},
		},
	}
}

// Load reads and normalizes settings from a YAML file path.
//
// A missing file is not an error: defaults are returned so a first run works
// without any setup.
func Load(path string) (Settings, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Defaults(), nil
		}
		return Settings{}, err
	}
	var s Settings
	if err := yaml.Unmarshal(raw, &s); err != nil {
		return Settings{}, fmt.Errorf("parse settings %s: %w", path, err)
	}
	return Normalize(s), nil
}

// Normalize fills defaults and canonicalizes every field.
func Normalize(s Settings) Settings {
	if strings.ToUpper(strings.TrimSpace(s.AudioPreference)) == "DUB" {
		s.AudioPreference = "DUB"
	} else {
		s.AudioPreference = "SUB"
	}
	s.Server.Addr = strings.TrimSpace(s.Server.Addr)
	if s.Server.Addr == "" {
		s.Server.Addr = DefaultServerAddr
	}
	s.JDownloader = NormalizeJDownloader(s.JDownloader)
	return s
}

// NormalizeJDownloader canonicalizes the download manager section.
func NormalizeJDownloader(jd JDownloader) JDownloader {
	if strings.ToLower(strings.TrimSpace(jd.Mode)) == ModeWeb {
		jd.Mode = ModeWeb
	} else {
		jd.Mode = ModeLocal
	}

	jd.Local.IP = strings.TrimSpace(jd.Local.IP)
	if jd.Local.IP == "" {
		jd.Local.IP = DefaultLocalIP
	}
	if jd.Local.Port < 1 || jd.Local.Port > 65535 {
		jd.Local.Port = DefaultLocalPort
	}

	jd.Web.BaseURL = normalizeBaseURL(jd.Web.BaseURL)
	jd.Web.Email = strings.ToLower(strings.TrimSpace(jd.Web.Email))
	jd.Web.Password = strings.TrimSpace(jd.Web.Password)
	jd.Web.AppKey = strings.TrimSpace(jd.Web.AppKey)
	if jd.Web.AppKey == "" {
		jd.Web.AppKey = DefaultAppKey
	}
	jd.Web.DeviceID = strings.TrimSpace(jd.Web.DeviceID)
	jd.Web.DeviceName = strings.TrimSpace(jd.Web.DeviceName)
	return jd
}

// LocalBaseURL returns the http://ip:port root of the local API.
func (l Local) LocalBaseURL() string {
	return "http://" + l.IP + ":" + strconv.Itoa(l.Port)
}

func normalizeBaseURL(raw string) string {
	candidate := strings.TrimSpace(raw)
	if candidate == "" {
		return DefaultBaseURL
	}
	u, err := url.Parse(candidate)
	if err != nil || u.Scheme == "" || u.Host == "" {
		// Schemeless hosts such as "api.example.org" parse as a bare path.
		u, err = url.Parse("https://" + candidate)
		if err != nil || u.Host == "" {
			return DefaultBaseURL
		}
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return DefaultBaseURL
	}
	u.Path = ""
	u.RawPath = ""
	u.RawQuery = ""
	u.Fragment = ""
	u.User = nil
	return strings.TrimSuffix(u.String(), "/")
}
