package lib

import (
	"os"
	"time"

	units "github.com/docker/go-units"
)

func IsTTY(f *os.File) bool {
	fileInfo, err := f.Stat()
	if err != nil {
		return false
	}

	return (fileInfo.Mode() & os.ModeCharDevice) != 0
}

// HumanBytes renders a byte count with binary prefixes, e.g. "10MiB".
func HumanBytes(n int64) string {
	return units.BytesSize(float64(n))
}

// HumanRate renders a throughput in bytes per second.
func HumanRate(bytesPerSec float64) string {
	if bytesPerSec <= 0 {
		return "-"
	}
	return units.BytesSize(bytesPerSec) + "/s"
}

// ParseSize accepts "8MB", "1.5GB", "4096" and similar, using binary multiples.
func ParseSize(s string) (int64, error) {
	return units.RAMInBytes(s)
}

// HumanETA renders whole seconds remaining; false means the estimate is not available yet.
func HumanETA(seconds float64, ok bool) string {
	if !ok {
		return "calculating"
	}
	d := time.Duration(seconds * float64(time.Second)).Round(time.Second)
	return units.HumanDuration(d)
}
