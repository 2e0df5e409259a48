package utils

import (
	"testing"

	"aio-proxy/work/config"

	"github.com/stretchr/testify/assert"
)

func TestFormatBytes(t *testing.T) {
	assert.Equal(t, "", FormatBytes(0))
	assert.Equal(t, "512.00 B", FormatBytes(512))
	assert.Equal(t, "1.50 MB", FormatBytes(1572864))
	assert.Equal(t, "4.50 GB", FormatBytes(4831838208))
	assert.Equal(t, "2.00 PB", FormatBytes(2*1024*1024*1024*1024*1024))
}

func TestObfuscateURL(t *testing.T) {
	assert.Equal(t, "https://debrid.example/***?***", ObfuscateURL("https://debrid.example/dl/KEY/file.mkv?token=x"))
	assert.Equal(t, "https://debrid.example", ObfuscateURL("https://debrid.example/"))
	assert.Equal(t, "***OBFUSCATED***", ObfuscateURL("not a url"))
	assert.Equal(t, "", ObfuscateURL(""))
}

func TestLogURL(t *testing.T) {
	raw := "https://host.example/secret"
	assert.Equal(t, raw, LogURL(&config.Config{}, raw))
	assert.Equal(t, "https://host.example/***", LogURL(&config.Config{ObfuscateUrls: true}, raw))
}

func TestNormalizeSpace(t *testing.T) {
	assert.Equal(t, "a b c", NormalizeSpace("  a\n\tb   c "))
}
