package quota

import (
	"os"
	"os/user"
	"runtime"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
)

// DeviceAttributes collects coarse, stable facts about the host. None of
// them is secret and all of them can be spoofed.
func DeviceAttributes() []string {
	host, _ := os.Hostname()
	username := ""
	if u, err := user.Current(); err == nil {
		username = u.Username
	}
	zone, offset := time.Now().Zone()
	return []string{
		runtime.GOOS,
		runtime.GOARCH,
		strconv.Itoa(runtime.NumCPU()),
		host,
		username,
		os.Getenv("TERM"),
		os.Getenv("LANG"),
		zone + strconv.Itoa(offset),
	}
}

// Fingerprint hashes attrs into a short identifier.
func Fingerprint(attrs ...string) string {
	h := xxhash.New()
	for _, a := range attrs {
		_, _ = h.WriteString(a)
		_, _ = h.Write([]byte{0})
	}
	return strconv.FormatUint(h.Sum64(), 36)
}

// DeviceFingerprint is Fingerprint over DeviceAttributes.
func DeviceFingerprint() string {
	return Fingerprint(DeviceAttributes()...)
}
