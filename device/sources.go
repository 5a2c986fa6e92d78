package device

import (
	"os"
	"runtime"
	"strconv"
	"strings"

	"go.pilab.hu/sessionguard/domain"
)

// ClientHints carries the rendering-surface and display characteristics a
// browser-like client reports about itself.
type ClientHints struct {
	CanvasHash    string
	WebGLRenderer string
	UserAgent     string
	Platform      string
	Language      string
	TimeZone      string
	ScreenWidth   int
	ScreenHeight  int
	ColorDepth    int
	PixelRatio    float64
	Browser       string
	OS            string
}

// Name implements Source.
func (h ClientHints) Name() string { return "client" }

// Collect implements Source. Empty values are skipped so headless clients
// still produce an id, with less entropy.
func (h ClientHints) Collect() map[string]string {
	out := map[string]string{}
	put := func(k, v string) {
		if v != "" {
			out[k] = v
		}
	}
	put("canvas", h.CanvasHash)
	put("webgl", h.WebGLRenderer)
	put("ua", h.UserAgent)
	put("platform", h.Platform)
	put("lang", h.Language)
	put("tz", h.TimeZone)
	if h.ScreenWidth > 0 && h.ScreenHeight > 0 {
		put("screen", strconv.Itoa(h.ScreenWidth)+"x"+strconv.Itoa(h.ScreenHeight))
	}
	if h.ColorDepth > 0 {
		put("depth", strconv.Itoa(h.ColorDepth))
	}
	if h.PixelRatio > 0 {
		put("dpr", strconv.FormatFloat(h.PixelRatio, 'f', 2, 64))
	}
	return out
}

// Describe implements Describer.
func (h ClientHints) Describe(m *domain.DeviceMetadata) {
	if h.Platform != "" {
		m.DeviceInfo = h.Platform
		if h.ScreenWidth > 0 {
			m.DeviceInfo += " " + strconv.Itoa(h.ScreenWidth) + "x" + strconv.Itoa(h.ScreenHeight)
		}
	}
	if h.Browser != "" {
		m.BrowserInfo = h.Browser
	} else if h.UserAgent != "" {
		m.BrowserInfo = h.UserAgent
	}
	if h.OS != "" {
		m.OSInfo = h.OS
	}
}

var machineIDPaths = []string{"/etc/machine-id", "/var/lib/dbus/machine-id"}

// HostSource fingerprints a server-side agent from stable host identifiers.
type HostSource struct {
	// Agent is reported as the browser field, e.g. "sessionguard-agent/1.0".
	Agent string
}

// Name implements Source.
func (HostSource) Name() string { return "host" }

// Collect implements Source.
func (s HostSource) Collect() map[string]string {
	out := map[string]string{
		"os":   runtime.GOOS,
		"arch": runtime.GOARCH,
		"cpus": strconv.Itoa(runtime.NumCPU()),
	}
	if hn, err := os.Hostname(); err == nil {
		out["hostname"] = hn
	}
	if id := readMachineID(); id != "" {
		out["machine_id"] = id
	}
	if s.Agent != "" {
		out["agent"] = s.Agent
	}
	return out
}

// Describe implements Describer.
func (s HostSource) Describe(m *domain.DeviceMetadata) {
	hn, _ := os.Hostname()
	m.DeviceInfo = hn
	m.OSInfo = runtime.GOOS + "/" + runtime.GOARCH
	if s.Agent != "" {
		m.BrowserInfo = s.Agent
	}
}

func readMachineID() string {
	for _, p := range machineIDPaths {
		b, err := os.ReadFile(p)
		if err == nil {
			if id := strings.TrimSpace(string(b)); id != "" {
				return id
			}
		}
	}
	return ""
}
