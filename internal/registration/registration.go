// Package registration announces this backend to the web app. Each attempt
// mints a fresh secret, publishes a config object carrying its SHA-1 to the
// object store, and exchanges the secret for broker channels and a token.
package registration

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rzbill/relay/internal/objstore"
	logpkg "github.com/rzbill/relay/pkg/log"
)

// AppName prefixes registration requests and config object paths.
const AppName = "relay"

// Registration is the app's answer to a register request.
type Registration struct {
	ClientChannelName string       `json:"clientChannelName"`
	ServerChannelName string       `json:"serverChannelName"`
	TokenDetails      TokenDetails `json:"tokenDetails"`
}

type TokenDetails struct {
	Token string `json:"token"`
}

// ConfigObject is published at relay-backends/<label>.json so clients can
// locate this backend's object storage and check its secret.
type ConfigObject struct {
	Label            string  `json:"label"`
	ObjectStorageURL string  `json:"objectStorageUrl"`
	SecretSha1       string  `json:"secretSha1"`
	Timestamp        float64 `json:"timestamp"`
}

type registerRequest struct {
	Type               string `json:"type"`
	AppName            string `json:"appName"`
	BackendProviderURI string `json:"backendProviderUri"`
	Secret             string `json:"secret"`
}

// Options configures a Registrar.
type Options struct {
	AppURL string
	Label  string
	// ObjectStorageURL overrides the advertised storage base URL.
	ObjectStorageURL string
	Objects          objstore.Store
	HTTPClient       *http.Client
	Now              func() time.Time
}

// Registrar performs registrations and keeps the config object fresh.
type Registrar struct {
	opts   Options
	logger logpkg.Logger

	mu     sync.Mutex
	config *ConfigObject
}

func New(opts Options) *Registrar {
	return NewWithLogger(opts, logpkg.NewLogger())
}

func NewWithLogger(opts Options, logger logpkg.Logger) *Registrar {
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	opts.AppURL = strings.TrimRight(opts.AppURL, "/")
	return &Registrar{opts: opts, logger: logger.With(logpkg.Component("registration"))}
}

// ConfigObjectPath is where this backend's config object lives.
func (r *Registrar) ConfigObjectPath() string {
	return objstore.BackendConfigPath(AppName, r.opts.Label)
}

// BackendURI is the provider URI sent to the app.
func (r *Registrar) BackendURI() string {
	return r.opts.Objects.URI(r.ConfigObjectPath())
}

// Register mints a secret, uploads the config object and posts the register
// request.
func (r *Registrar) Register(ctx context.Context) (Registration, error) {
	secret := NewSecret()
	storageURL := r.opts.ObjectStorageURL
	if storageURL == "" {
		storageURL = strings.TrimRight(r.opts.Objects.URI(""), "/")
	}
	r.mu.Lock()
	r.config = &ConfigObject{
		Label:            r.opts.Label,
		ObjectStorageURL: storageURL,
		SecretSha1:       Sha1Hex(secret),
	}
	r.mu.Unlock()
	if err := r.UploadConfigObject(ctx); err != nil {
		return Registration{}, err
	}
	if r.opts.AppURL == "" {
		reg := Local(r.opts.Label, secret)
		r.logger.Info("registration.local",
			logpkg.Str("client_channel", reg.ClientChannelName),
			logpkg.Str("server_channel", reg.ServerChannelName))
		return reg, nil
	}

	body, err := json.Marshal(registerRequest{
		Type:               "registerBackendProvider",
		AppName:            AppName,
		BackendProviderURI: r.BackendURI(),
		Secret:             secret,
	})
	if err != nil {
		return Registration{}, err
	}
	url := r.opts.AppURL + "/api/register"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Registration{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := r.opts.HTTPClient.Do(req)
	if err != nil {
		return Registration{}, fmt.Errorf("registration: post %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Registration{}, fmt.Errorf("registration: post %s: status %d: %s", url, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	var reg Registration
	if err := json.NewDecoder(resp.Body).Decode(&reg); err != nil {
		return Registration{}, fmt.Errorf("registration: decode response: %w", err)
	}
	if reg.ClientChannelName == "" || reg.ServerChannelName == "" || reg.TokenDetails.Token == "" {
		return Registration{}, errors.New("registration: response is missing channels or token")
	}
	r.logger.Info("registration.registered",
		logpkg.Str("backend_uri", r.BackendURI()),
		logpkg.Str("client_channel", reg.ClientChannelName),
		logpkg.Str("server_channel", reg.ServerChannelName))
	return reg, nil
}

// UploadConfigObject rewrites the config object with a fresh timestamp. It is
// a no-op before the first registration attempt.
func (r *Registrar) UploadConfigObject(ctx context.Context) error {
	r.mu.Lock()
	if r.config == nil {
		r.mu.Unlock()
		return nil
	}
	r.config.Timestamp = float64(r.opts.Now().UnixNano()) / 1e9
	obj := *r.config
	r.mu.Unlock()
	if _, err := objstore.PutJSON(ctx, r.opts.Objects, r.ConfigObjectPath(), obj, objstore.PutOptions{}); err != nil {
		return fmt.Errorf("registration: upload config object: %w", err)
	}
	return nil
}

// Local is the registration used when no app URL is configured. Channels are
// derived from the label and the token is the secret, so a broker configured
// out of band can be shared with clients that read the config object.
func Local(label, secret string) Registration {
	return Registration{
		ClientChannelName: AppName + "-" + label + "-client",
		ServerChannelName: AppName + "-" + label + "-server",
		TokenDetails:      TokenDetails{Token: secret},
	}
}

// NewSecret returns the last 12 characters of a random UUID.
func NewSecret() string {
	s := uuid.NewString()
	return s[len(s)-12:]
}

// Sha1Hex is the hex SHA-1 of s.
func Sha1Hex(s string) string {
	sum := sha1.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}
