package utils

import (
	"fmt"
	"net/url"
	"strings"

	"aio-proxy/work/config"
)

var sizeUnits = []string{"B", "KB", "MB", "GB", "TB"}

// LogURL returns either the original URL or an obfuscated version for logging
func LogURL(cfg *config.Config, url string) string {
	if cfg != nil && cfg.ObfuscateUrls {
		return ObfuscateURL(url)
	}
	return url
}

// ObfuscateURL keeps scheme and host and masks everything that may carry credentials,
// which for debrid add-ons includes the path itself.
func ObfuscateURL(urlStr string) string {
	if urlStr == "" {
		return ""
	}

	u, err := url.Parse(urlStr)
	if err != nil || u.Host == "" {
		return "***OBFUSCATED***"
	}

	result := u.Scheme + "://" + u.Host
	if u.Path != "" && u.Path != "/" {
		result += "/***"
	}
	if u.RawQuery != "" {
		result += "?***"
	}
	if u.Fragment != "" {
		result += "#***"
	}

	return result
}

// FormatBytes renders a byte count with two decimals in 1024 steps, e.g. "1.50 MB".
// Zero or negative sizes render as an empty string.
func FormatBytes(n int64) string {
	if n <= 0 {
		return ""
	}

	size := float64(n)
	for _, unit := range sizeUnits {
		if size < 1024 {
			return fmt.Sprintf("%.2f %s", size, unit)
		}
		size /= 1024
	}
	return fmt.Sprintf("%.2f PB", size)
}

// NormalizeSpace collapses every whitespace run to a single space and trims the ends.
func NormalizeSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
