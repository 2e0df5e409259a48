package services

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"aio-proxy/work/client"
	"aio-proxy/work/config"
	"aio-proxy/work/logger"
	"aio-proxy/work/types"
)

// ErrMissingCredentials is returned by Build for add-ons that cannot work anonymously.
var ErrMissingCredentials = errors.New("missing credentials")

// Declared keeps whatever the add-on reported.
func Declared(rec *types.StreamRecord) bool { return rec.IsCached }

// Always marks every record cached, for add-ons that only return playable links.
func Always(*types.StreamRecord) bool { return true }

// BracketMarker reads the "[...]" prefix some add-ons put in front of the name and
// reports whether it contains marker. Names without a prefix count as cached.
func BracketMarker(marker string) CacheDetector {
	return func(rec *types.StreamRecord) bool {
		if !strings.HasPrefix(rec.Name, "[") {
			return true
		}
		end := strings.Index(rec.Name, "]")
		if end < 0 {
			return false
		}
		return strings.Contains(rec.Name[1:end], marker)
	}
}

// NameMarker marks a record cached when marker appears anywhere in its name, and
// otherwise keeps the declared value.
func NameMarker(marker string) CacheDetector {
	return func(rec *types.StreamRecord) bool {
		return strings.Contains(rec.Name, marker) || rec.IsCached
	}
}

func encodeJSONOptions(v any) string {
	data, _ := json.Marshal(v)
	return base64.StdEncoding.EncodeToString(data)
}

func debridSegment(cfg *config.ServiceConfig) string {
	if cfg.DebridService == "" || cfg.DebridAPIKey == "" {
		return ""
	}
	return cfg.DebridService + "=" + cfg.DebridAPIKey
}

// cometOptions mirrors the add-on's configure page defaults
func cometOptions(cfg *config.ServiceConfig) string {
	return encodeJSONOptions(map[string]any{
		"indexers":                  []string{"bitsearch", "eztv", "thepiratebay", "therarbg", "yts"},
		"maxResults":                0,
		"maxResultsPerResolution":   0,
		"maxSize":                   0,
		"reverseResultOrder":        false,
		"removeTrash":               true,
		"resultFormat":              []string{"All"},
		"resolutions":               []string{"All"},
		"languages":                 []string{"All"},
		"debridService":             cfg.DebridService,
		"debridApiKey":              cfg.DebridAPIKey,
		"stremthruUrl":              "",
		"debridStreamProxyPassword": "",
	})
}

func debridioOptions(cfg *config.ServiceConfig) string {
	return encodeJSONOptions(map[string]any{
		"provider":            cfg.DebridService,
		"apiKey":              cfg.DebridAPIKey,
		"disableUncached":     false,
		"qualityOrder":        []string{},
		"excludeSize":         "",
		"maxReturnPerQuality": "",
	})
}

func torrentioOptions(cfg *config.ServiceConfig) string {
	segment := debridSegment(cfg)
	if segment == "" {
		return ""
	}
	return "debridoptions=nocatalog|" + segment
}

func peerflixOptions(cfg *config.ServiceConfig) string {
	parts := []string{"language=en,es", "debridoptions=nocatalog,nodownloadlinks"}
	if segment := debridSegment(cfg); segment != "" {
		parts = append(parts, segment)
	}
	return strings.Join(append(parts, "sort=quality-desc"), "|")
}

func easynewsOptions(cfg *config.ServiceConfig) string {
	data, _ := json.Marshal(map[string]string{"username": cfg.Username, "password": cfg.Password})
	return url.PathEscape(string(data))
}

// Build constructs the service described by cfg. A service with a proxy URL gets its
// own HTTP client; the rest share hc.
func Build(cfg config.ServiceConfig, hc *client.HeaderSettingClient, userAgent string) (StreamingService, error) {
	if cfg.ProxyURL != "" {
		proxied, err := client.NewHeaderSettingClient(client.Options{
			UserAgent: userAgent,
			ProxyURL:  cfg.ProxyURL,
		})
		if err != nil {
			return nil, fmt.Errorf("service %s: %w", cfg.Name, err)
		}
		hc = proxied
	}

	opts := []Option{WithTimeout(cfg.Timeout), WithRateLimit(cfg.RateLimit)}
	options := cfg.Options

	switch cfg.Kind {
	case config.KindWatchHub:
		opts = append(opts, WithSwallowErrors())
	case config.KindTorBox:
		if options == "" {
			if cfg.DebridAPIKey == "" {
				return nil, fmt.Errorf("service %s: %w: debrid api key", cfg.Name, ErrMissingCredentials)
			}
			options = cfg.DebridAPIKey
		}
	case config.KindTorrentio:
		if options == "" {
			options = torrentioOptions(&cfg)
		}
		opts = append(opts, WithCacheDetector(BracketMarker("+")))
	case config.KindDebridio:
		if options == "" {
			options = debridioOptions(&cfg)
		}
		opts = append(opts, WithCacheDetector(BracketMarker("+")))
	case config.KindComet:
		if options == "" {
			options = cometOptions(&cfg)
		}
		opts = append(opts, WithCacheDetector(BracketMarker("⚡")))
	case config.KindMediaFusion:
		if options == "" {
			return nil, fmt.Errorf("service %s: %w: options", cfg.Name, ErrMissingCredentials)
		}
		opts = append(opts, WithCacheDetector(NameMarker("⚡")))
	case config.KindEasynews:
		if options == "" {
			if cfg.Username == "" || cfg.Password == "" {
				return nil, fmt.Errorf("service %s: %w: easynews account", cfg.Name, ErrMissingCredentials)
			}
			options = easynewsOptions(&cfg)
		}
		opts = append(opts, WithCacheDetector(Always))
	case config.KindPeerflix:
		if options == "" {
			options = peerflixOptions(&cfg)
		}
		opts = append(opts, WithCacheDetector(Always))
	default:
		return nil, fmt.Errorf("service %s: unknown kind %q", cfg.Name, cfg.Kind)
	}

	return NewAddonService(cfg.Name, cfg.BaseURL, options, hc, opts...), nil
}

// BuildAll constructs every enabled service in configuration order, skipping the
// ones that cannot be built.
func BuildAll(cfg *config.Config, hc *client.HeaderSettingClient) []StreamingService {
	var out []StreamingService
	for _, svcCfg := range cfg.Services {
		if !svcCfg.Enabled {
			logger.Debug("{services/variants - BuildAll} %s is disabled", svcCfg.Name)
			continue
		}

		svc, err := Build(svcCfg, hc, cfg.Proxy.UserAgent)
		if err != nil {
			logger.Warn("{services/variants - BuildAll} skipping service: %v", err)
			continue
		}
		out = append(out, svc)
	}

	logger.Info("{services/variants - BuildAll} %d upstream services ready", len(out))
	return out
}
