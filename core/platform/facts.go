package platform

import (
	"runtime"
	"strconv"
	"strings"

	"github.com/mssola/useragent"
)

// Env carries the raw strings and hints a client reports about itself.
type Env struct {
	UserAgent           string  `json:"userAgent"`
	Platform            string  `json:"platform"`
	MaxTouchPoints      int     `json:"maxTouchPoints"`
	DeviceMemory        float64 `json:"deviceMemory"` // GiB, 0 when unknown
	HardwareConcurrency int     `json:"hardwareConcurrency"`
}

// Version is a major.minor OS version. Zero means unknown.
type Version struct {
	Major int `json:"major"`
	Minor int `json:"minor"`
}

// AtLeast compares v against major.minor.
func (v Version) AtLeast(major, minor int) bool {
	if v.Major != major {
		return v.Major > major
	}
	return v.Minor >= minor
}

// Facts are the read-only runtime facts the interruption handling branches on.
type Facts struct {
	IsIOS     bool    `json:"isIOS"`
	IsAndroid bool    `json:"isAndroid"`
	IsMobile  bool    `json:"isMobile"`
	IsSafari  bool    `json:"isSafari"`
	OSVersion Version `json:"osVersion"`
	IsLowEnd  bool    `json:"isLowEnd"`
}

var iosPlatforms = map[string]bool{"iPhone": true, "iPad": true, "iPod": true}

// Detect derives Facts from env. It never fails; unknown inputs yield zero facts.
func Detect(env Env) Facts {
	ua := useragent.New(env.UserAgent)
	os := ua.OSInfo()
	browser, browserVersion := ua.Browser()
	var f Facts

	// iPadOS reports a desktop Mac user agent but has touch points.
	desktopIPad := env.Platform == "MacIntel" && env.MaxTouchPoints > 1
	f.IsIOS = iosPlatforms[ua.Platform()] || desktopIPad
	f.IsAndroid = os.Name == "Android"
	f.IsMobile = f.IsIOS || f.IsAndroid || ua.Mobile()
	f.IsSafari = browser == "Safari"

	switch {
	case desktopIPad:
		// Safari's version tracks the iPadOS release.
		f.OSVersion = parseVersion(browserVersion)
	case f.IsIOS, f.IsAndroid:
		f.OSVersion = parseVersion(os.Version)
	}

	f.IsLowEnd = (env.DeviceMemory > 0 && env.DeviceMemory <= 2) ||
		(env.HardwareConcurrency > 0 && env.HardwareConcurrency <= 2)
	return f
}

func parseVersion(s string) Version {
	var v Version
	parts := strings.SplitN(s, ".", 3)
	v.Major, _ = strconv.Atoi(parts[0])
	if len(parts) > 1 {
		v.Minor, _ = strconv.Atoi(parts[1])
	}
	return v
}

// HostEnv describes the machine the process runs on, for the local player.
func HostEnv() Env {
	return Env{
		Platform:            runtime.GOOS,
		HardwareConcurrency: runtime.NumCPU(),
	}
}
