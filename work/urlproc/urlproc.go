package urlproc

import (
	"context"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"aio-proxy/work/client"
	"aio-proxy/work/config"
	"aio-proxy/work/logger"
	"aio-proxy/work/metrics"
	"aio-proxy/work/types"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrResolve marks a record whose URL could not be turned into a client-facing URL.
	ErrResolve = errors.New("url resolution failed")

	// ErrInvalidToken is returned when a proxy token cannot be decoded or authenticated.
	ErrInvalidToken = errors.New("invalid proxy token")
)

// mediaFlowExpiry is how long MediaFlow keeps a generated URL valid, in seconds
const mediaFlowExpiry = 21600

// Resolver turns a raw upstream URL into the URL handed to the player.
type Resolver interface {
	Resolve(ctx context.Context, rawURL, userPath string) (string, error)
}

// Passthrough returns URLs unchanged.
type Passthrough struct{}

func (Passthrough) Resolve(_ context.Context, rawURL, _ string) (string, error) {
	return rawURL, nil
}

// Encryptor seals URLs into opaque tokens served by this add-on's proxy endpoint.
type Encryptor struct {
	aead     cipher.AEAD
	addonURL string
}

// ParseKey decodes a base64 (standard or URL alphabet) 32-byte key.
func ParseKey(encoded string) ([]byte, error) {
	encoded = strings.TrimRight(strings.TrimSpace(encoded), "=")
	key, err := base64.RawStdEncoding.DecodeString(encoded)
	if err != nil {
		key, err = base64.RawURLEncoding.DecodeString(encoded)
	}
	if err != nil {
		return nil, fmt.Errorf("encryption key is not base64: %w", err)
	}
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("encryption key must be %d bytes, got %d", chacha20poly1305.KeySize, len(key))
	}
	return key, nil
}

// NewEncryptor creates an Encryptor from a raw 32-byte key.
func NewEncryptor(key []byte, addonURL string) (*Encryptor, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	return &Encryptor{aead: aead, addonURL: strings.TrimRight(addonURL, "/")}, nil
}

// Encrypt seals rawURL into a URL-safe token.
func (e *Encryptor) Encrypt(rawURL string) (string, error) {
	nonce := make([]byte, e.aead.NonceSize(), e.aead.NonceSize()+len(rawURL)+e.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	sealed := e.aead.Seal(nonce, nonce, []byte(rawURL), nil)
	return base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a token produced by Encrypt. Padded tokens are accepted.
func (e *Encryptor) Decrypt(token string) (string, error) {
	sealed, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(token, "="))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if len(sealed) < e.aead.NonceSize() {
		return "", fmt.Errorf("%w: too short", ErrInvalidToken)
	}

	nonce, ciphertext := sealed[:e.aead.NonceSize()], sealed[e.aead.NonceSize():]
	plain, err := e.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return string(plain), nil
}

// Resolve returns <addonURL>/<userPath>/proxy/<token>.
func (e *Encryptor) Resolve(_ context.Context, rawURL, userPath string) (string, error) {
	token, err := e.Encrypt(rawURL)
	if err != nil {
		return "", err
	}
	return e.addonURL + "/" + userPath + "/proxy/" + token, nil
}

// MediaFlow asks a MediaFlow proxy to generate an encrypted stream URL.
type MediaFlow struct {
	cfg      config.MediaFlowConfig
	addonURL string
	http     *client.HeaderSettingClient
}

func NewMediaFlow(cfg config.MediaFlowConfig, addonURL string, hc *client.HeaderSettingClient) *MediaFlow {
	cfg.InternalURL = strings.TrimRight(cfg.InternalURL, "/")
	return &MediaFlow{cfg: cfg, addonURL: addonURL, http: hc}
}

type mediaFlowRequest struct {
	MediaflowProxyURL string            `json:"mediaflow_proxy_url"`
	Endpoint          string            `json:"endpoint"`
	DestinationURL    string            `json:"destination_url"`
	QueryParams       map[string]string `json:"query_params"`
	RequestHeaders    map[string]string `json:"request_headers"`
	ResponseHeaders   map[string]string `json:"response_headers"`
	Expiration        int               `json:"expiration"`
	APIPassword       string            `json:"api_password"`
}

type mediaFlowResponse struct {
	EncodedURL string `json:"encoded_url"`
}

func (m *MediaFlow) Resolve(ctx context.Context, rawURL, _ string) (string, error) {
	req := mediaFlowRequest{
		MediaflowProxyURL: m.cfg.ExternalURL,
		Endpoint:          "/proxy/stream",
		DestinationURL:    rawURL,
		QueryParams:       map[string]string{},
		RequestHeaders: map[string]string{
			"referer": m.addonURL,
			"origin":  m.addonURL,
		},
		ResponseHeaders: map[string]string{},
		Expiration:      mediaFlowExpiry,
		APIPassword:     m.cfg.APIKey,
	}

	var resp mediaFlowResponse
	if err := m.http.PostJSON(ctx, m.cfg.InternalURL+"/generate_encrypted_or_encoded_url", req, &resp); err != nil {
		return "", fmt.Errorf("mediaflow: %w", err)
	}
	if resp.EncodedURL == "" {
		return "", errors.New("mediaflow: empty encoded_url")
	}
	return resp.EncodedURL, nil
}

// Processor applies the resolver selected by a user's proxy preference to a record list.
type Processor struct {
	passthrough Resolver
	proxied     Resolver
	encryptor   *Encryptor
	workers     int
}

// NewProcessor wires the proxied resolver from configuration: MediaFlow when it is
// enabled with an external URL, the internal encrypted proxy otherwise. Without a
// configured key a random one is generated, so tokens do not survive a restart.
func NewProcessor(cfg *config.Config, hc *client.HeaderSettingClient) (*Processor, error) {
	var key []byte
	if cfg.EncryptionKey != "" {
		k, err := ParseKey(cfg.EncryptionKey)
		if err != nil {
			return nil, err
		}
		key = k
	} else {
		logger.Warn("{urlproc/urlproc - NewProcessor} no encryption key configured, proxy links will not survive a restart")
		key = make([]byte, chacha20poly1305.KeySize)
		if _, err := rand.Read(key); err != nil {
			return nil, err
		}
	}

	enc, err := NewEncryptor(key, cfg.AddonURL)
	if err != nil {
		return nil, err
	}

	p := &Processor{passthrough: Passthrough{}, proxied: enc, encryptor: enc, workers: 8}
	if cfg.MediaFlow.Enabled && cfg.MediaFlow.ExternalURL != "" {
		p.proxied = NewMediaFlow(cfg.MediaFlow, cfg.AddonURL, hc)
	}
	return p, nil
}

// Decrypt recovers the remote URL behind an internal proxy token.
func (p *Processor) Decrypt(token string) (string, error) {
	return p.encryptor.Decrypt(token)
}

// Process resolves every record's URL. Records without a URL are kept untouched;
// records whose URL cannot be resolved are dropped. Order is preserved.
func (p *Processor) Process(ctx context.Context, records []types.StreamRecord, userPath string, proxyEnabled bool) []types.StreamRecord {
	resolver := p.passthrough
	if proxyEnabled {
		resolver = p.proxied
	}

	keep := make([]bool, len(records))
	out := make([]types.StreamRecord, len(records))
	copy(out, records)

	var g errgroup.Group
	g.SetLimit(p.workers)
	for i := range out {
		if out[i].URL == "" {
			keep[i] = true
			continue
		}
		g.Go(func() error {
			resolved, err := resolver.Resolve(ctx, out[i].URL, userPath)
			if err != nil {
				err = fmt.Errorf("%w: %v", ErrResolve, err)
				logger.Error("{urlproc/urlproc - Process} dropping %s record: %v", out[i].Service, err)
				metrics.ResolveFailures.Inc()
				return nil
			}
			out[i].URL = resolved
			keep[i] = true
			return nil
		})
	}
	g.Wait()

	result := out[:0]
	for i := range out {
		if keep[i] {
			result = append(result, out[i])
		}
	}
	return result
}
