// Package bytesize parses size thresholds and formats artifact sizes for build reports.
package bytesize

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Binary size units accepted by Parse.
const (
	B  int64 = 1
	KB int64 = 1024
	MB int64 = 1024 * KB
	GB int64 = 1024 * MB
)

// sizePattern matches size strings like "100MB", "1.5 KB", "1024"
var sizePattern = regexp.MustCompile(`^\s*(\d+(?:\.\d+)?)\s*([a-zA-Z]*)\s*$`)

// Parse parses a byte size string like "1KB", "1.5MB", or "1024" into bytes.
// Supported units: B, KB, MB, GB (case-insensitive, binary multiples).
// If no unit is specified, bytes are assumed.
func Parse(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty size string")
	}

	matches := sizePattern.FindStringSubmatch(s)
	if matches == nil {
		return 0, fmt.Errorf("invalid size format: %q", s)
	}

	value, err := strconv.ParseFloat(matches[1], 64)
	if err != nil {
		return 0, fmt.Errorf("invalid number: %q", matches[1])
	}

	var multiplier int64
	switch strings.ToUpper(matches[2]) {
	case "", "B":
		multiplier = B
	case "KB", "K", "KIB":
		multiplier = KB
	case "MB", "M", "MIB":
		multiplier = MB
	case "GB", "G", "GIB":
		multiplier = GB
	default:
		return 0, fmt.Errorf("unknown unit: %q", matches[2])
	}

	return int64(value * float64(multiplier)), nil
}

// Format renders a byte count the way bundlers print output sizes: decimal
// kilobytes with two fractional digits ("12.34 kB"), bytes below 1000.
func Format(bytes int64) string {
	switch {
	case bytes < 1000:
		return fmt.Sprintf("%d B", bytes)
	case bytes < 1000*1000:
		return fmt.Sprintf("%.2f kB", float64(bytes)/1000)
	default:
		return fmt.Sprintf("%.2f MB", float64(bytes)/(1000*1000))
	}
}

// Ratio returns compressed/original as a percentage, 0 for empty input.
func Ratio(original, compressed int64) float64 {
	if original <= 0 {
		return 0
	}
	return float64(compressed) / float64(original) * 100
}
