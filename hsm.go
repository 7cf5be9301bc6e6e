// hsm.go: Hardware Security Module (HSM) providers for envelope key wrapping
//
// HSM providers are registered with an HSMManager, which is built around a
// github.com/agilira/go-plugins manager so out-of-process providers can be
// plugged in. An HSMWrapper turns one HSM key into a KeyWrapper, and
// HSMManager.RandomReader turns a provider's hardware RNG into an
// Options.Random source.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package envelope

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	goerrors "github.com/agilira/go-errors"
	goplugins "github.com/agilira/go-plugins"
	"github.com/google/uuid"
)

// HSMCapability names an optional HSM feature.
type HSMCapability string

const (
	CapabilityGenerateSymmetric HSMCapability = "generate_symmetric"
	CapabilityEncrypt           HSMCapability = "encrypt"
	CapabilityDecrypt           HSMCapability = "decrypt"
	CapabilityKeyWrapping       HSMCapability = "key_wrapping"
	CapabilityKeyUnwrapping     HSMCapability = "key_unwrapping"
	CapabilityRandomGeneration  HSMCapability = "random_generation"
	CapabilitySecureKeyStorage  HSMCapability = "secure_key_storage"
)

// KeyType is the type of a key held by an HSM.
type KeyType string

const (
	KeyTypeAES256   KeyType = "aes-256"
	KeyTypeAES128   KeyType = "aes-128"
	KeyTypeChaCha20 KeyType = "chacha20"
	KeyTypeGeneric  KeyType = "generic"
)

// KeyUsage restricts what an HSM key may be used for.
type KeyUsage string

const (
	KeyUsageEncrypt KeyUsage = "encrypt"
	KeyUsageDecrypt KeyUsage = "decrypt"
	KeyUsageWrap    KeyUsage = "wrap"
	KeyUsageUnwrap  KeyUsage = "unwrap"
)

// HSMKeyInfo describes a key stored in an HSM. It never carries key bytes.
type HSMKeyInfo struct {
	ID          string            `json:"id"`
	Label       string            `json:"label"`
	Type        KeyType           `json:"type"`
	Usage       []KeyUsage        `json:"usage"`
	Size        int               `json:"size"` // bits
	Algorithm   string            `json:"algorithm"`
	CreatedAt   time.Time         `json:"created_at"`
	ExpiresAt   *time.Time        `json:"expires_at"`
	Extractable bool              `json:"extractable"`
	Metadata    map[string]string `json:"metadata"`
}

// HSMOperationContext carries the target key and deadline of one HSM call.
type HSMOperationContext struct {
	Context   context.Context   `json:"-"`
	KeyID     string            `json:"key_id"`
	Algorithm string            `json:"algorithm"`
	Metadata  map[string]string `json:"metadata"`
}

// HSMProvider is implemented by every HSM backend. Only symmetric operations
// are part of the contract.
type HSMProvider interface {
	Name() string
	Version() string
	Capabilities() []HSMCapability

	Initialize(ctx context.Context, config map[string]interface{}) error
	Close() error
	IsHealthy() bool

	GenerateKey(ctx HSMOperationContext, keyType KeyType, usage []KeyUsage) (*HSMKeyInfo, error)
	DeleteKey(ctx HSMOperationContext) error
	ListKeys(ctx context.Context) ([]*HSMKeyInfo, error)
	GetKeyInfo(ctx HSMOperationContext) (*HSMKeyInfo, error)

	Encrypt(ctx HSMOperationContext, plaintext []byte) ([]byte, error)
	Decrypt(ctx HSMOperationContext, ciphertext []byte) ([]byte, error)

	GenerateRandom(ctx context.Context, length int) ([]byte, error)
}

// Operations understood by plugin-backed providers.
const (
	HSMOperationEncrypt = "encrypt"
	HSMOperationDecrypt = "decrypt"
)

// HSMRequest is the request type exchanged with plugin-backed providers.
type HSMRequest struct {
	Operation string              `json:"operation"`
	Context   HSMOperationContext `json:"context"`
	Data      []byte              `json:"data"`
}

// HSMResponse is the response type exchanged with plugin-backed providers.
type HSMResponse struct {
	Success bool        `json:"success"`
	Data    []byte      `json:"data"`
	KeyInfo *HSMKeyInfo `json:"key_info"`
	Error   string      `json:"error"`
}

// HSMManagerConfig configures an HSMManager.
type HSMManagerConfig struct {
	DefaultProvider  string                            `json:"default_provider" yaml:"default_provider"`
	ProviderConfigs  map[string]map[string]interface{} `json:"provider_configs" yaml:"provider_configs"`
	OperationTimeout time.Duration                     `json:"operation_timeout" yaml:"operation_timeout"`
}

// Common HSM errors
var (
	ErrHSMNotInitialized    = goerrors.New("HSM_001", "HSM provider not initialized")
	ErrHSMKeyNotFound       = goerrors.New("HSM_002", "key not found in HSM")
	ErrHSMOperationFailed   = goerrors.New("HSM_003", "HSM operation failed")
	ErrHSMProviderNotFound  = goerrors.New("HSM_006", "HSM provider not found")
	ErrHSMHealthCheckFailed = goerrors.New("HSM_007", "HSM health check failed")
)

const defaultHSMTimeout = 10 * time.Second

// HSMManager keeps the registered HSM providers. Providers that live out of
// process are reached through a go-plugins manager.
type HSMManager struct {
	mu              sync.RWMutex
	pluginManager   *goplugins.Manager[HSMRequest, HSMResponse]
	activeProviders map[string]HSMProvider
	defaultProvider string
	config          *HSMManagerConfig
}

// NewHSMManager returns a manager. pluginManager may be nil when every
// provider is registered in-process.
func NewHSMManager(config *HSMManagerConfig, pluginManager *goplugins.Manager[HSMRequest, HSMResponse]) (*HSMManager, error) {
	if config == nil {
		config = &HSMManagerConfig{OperationTimeout: defaultHSMTimeout}
	}
	if config.OperationTimeout < 0 {
		return nil, invalidParameter(ErrCodeInvalidOptions, "HSM operation timeout must not be negative")
	}
	return &HSMManager{
		pluginManager:   pluginManager,
		activeProviders: make(map[string]HSMProvider),
		config:          config,
	}, nil
}

// PluginManager returns the go-plugins manager, or nil.
func (h *HSMManager) PluginManager() *goplugins.Manager[HSMRequest, HSMResponse] {
	return h.pluginManager
}

// executePlugin sends request to the plugin registered under name (the
// configured default for ""). Crypto failures are not transient, so the
// request is attempted once.
func (h *HSMManager) executePlugin(name string, request HSMRequest) ([]byte, error) {
	if name == "" {
		name = h.config.DefaultProvider
	}
	timeout := h.config.OperationTimeout
	if timeout <= 0 {
		timeout = defaultHSMTimeout
	}
	resp, err := h.pluginManager.ExecuteWithOptions(context.Background(), name, goplugins.ExecutionContext{
		RequestID: uuid.NewString(),
		Timeout:   timeout,
	}, request)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrHSMOperationFailed, err)
	}
	if !resp.Success {
		return nil, fmt.Errorf("%w: plugin %s: %s", ErrHSMOperationFailed, name, resp.Error)
	}
	return resp.Data, nil
}

// operationContext applies the configured timeout.
func (h *HSMManager) operationContext() (context.Context, context.CancelFunc) {
	if timeout := h.config.OperationTimeout; timeout > 0 {
		return context.WithTimeout(context.Background(), timeout)
	}
	return context.WithCancel(context.Background())
}

// RegisterProvider initializes provider and registers it under name. The
// first provider, or the one named in the config, becomes the default.
func (h *HSMManager) RegisterProvider(name string, provider HSMProvider) error {
	if provider == nil {
		return invalidParameter(ErrCodeInvalidOptions, "HSM provider cannot be nil")
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	ctx, cancel := h.operationContext()
	defer cancel()
	if err := provider.Initialize(ctx, h.config.ProviderConfigs[name]); err != nil {
		return wrapError(ErrInvalidParameter, err, ErrCodeKeyWrap, fmt.Sprintf("failed to initialize HSM provider %s", name))
	}

	h.activeProviders[name] = provider
	if h.defaultProvider == "" || h.config.DefaultProvider == name {
		h.defaultProvider = name
	}
	return nil
}

// GetProvider returns a healthy provider by name, or the default for "".
func (h *HSMManager) GetProvider(name string) (HSMProvider, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if name == "" {
		name = h.defaultProvider
	}
	provider, ok := h.activeProviders[name]
	if !ok {
		return nil, fmt.Errorf("%w: %w: provider %q", ErrInvalidParameter, ErrHSMProviderNotFound, name)
	}
	if !provider.IsHealthy() {
		return nil, fmt.Errorf("%w: %w: provider %q", ErrInvalidParameter, ErrHSMHealthCheckFailed, name)
	}
	return provider, nil
}

// Close shuts down all providers.
func (h *HSMManager) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var errs []error
	for name, provider := range h.activeProviders {
		if err := provider.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close HSM provider %s: %w", name, err))
		}
		delete(h.activeProviders, name)
	}
	h.defaultProvider = ""
	return errors.Join(errs...)
}

// RandomReader returns an io.Reader over the provider's RNG, suitable for
// Options.Random.
func (h *HSMManager) RandomReader(providerName string) io.Reader {
	return &hsmRandom{manager: h, provider: providerName}
}

type hsmRandom struct {
	manager  *HSMManager
	provider string
}

func (r *hsmRandom) Read(p []byte) (int, error) {
	provider, err := r.manager.GetProvider(r.provider)
	if err != nil {
		return 0, err
	}
	ctx, cancel := r.manager.operationContext()
	defer cancel()
	b, err := provider.GenerateRandom(ctx, len(p))
	if err != nil {
		return 0, err
	}
	n := copy(p, b)
	Zeroize(b)
	if n < len(p) {
		return n, io.ErrUnexpectedEOF
	}
	return n, nil
}

// HSMWrapper wraps envelope keys by encrypting them inside an HSM under a
// fixed key ID. The key never leaves the HSM.
type HSMWrapper struct {
	manager  *HSMManager
	provider string
	keyID    string
}

var _ KeyWrapper = (*HSMWrapper)(nil)

// NewHSMWrapper returns a wrapper using keyID on the named provider ("" for
// the default).
func NewHSMWrapper(manager *HSMManager, provider, keyID string) (*HSMWrapper, error) {
	if manager == nil {
		return nil, invalidParameter(ErrCodeInvalidOptions, "HSM manager cannot be nil")
	}
	if keyID == "" {
		return nil, invalidParameter(ErrCodeMissingKey, "HSM key ID is required")
	}
	return &HSMWrapper{manager: manager, provider: provider, keyID: keyID}, nil
}

// call runs op on the in-process provider. A provider that is not registered
// in-process is reached through the plugin manager, when there is one.
func (w *HSMWrapper) call(operation string, data []byte, op func(HSMProvider, HSMOperationContext) ([]byte, error)) ([]byte, error) {
	provider, err := w.manager.GetProvider(w.provider)
	if errors.Is(err, ErrHSMProviderNotFound) && w.manager.pluginManager != nil {
		return w.manager.executePlugin(w.provider, HSMRequest{
			Operation: operation,
			Context:   HSMOperationContext{KeyID: w.keyID},
			Data:      data,
		})
	}
	if err != nil {
		return nil, err
	}
	ctx, cancel := w.manager.operationContext()
	defer cancel()
	return op(provider, HSMOperationContext{Context: ctx, KeyID: w.keyID})
}

// WrapKey implements KeyWrapper.
func (w *HSMWrapper) WrapKey(key []byte) ([]byte, error) {
	wrapped, err := w.call(HSMOperationEncrypt, key, func(p HSMProvider, ctx HSMOperationContext) ([]byte, error) {
		return p.Encrypt(ctx, key)
	})
	if err != nil {
		return nil, wrapError(ErrInvalidParameter, err, ErrCodeKeyWrap, fmt.Sprintf("HSM wrap with key %s failed", w.keyID))
	}
	return wrapped, nil
}

// UnwrapKey implements KeyWrapper.
func (w *HSMWrapper) UnwrapKey(wrapped []byte) ([]byte, error) {
	key, err := w.call(HSMOperationDecrypt, wrapped, func(p HSMProvider, ctx HSMOperationContext) ([]byte, error) {
		return p.Decrypt(ctx, wrapped)
	})
	if err != nil {
		return nil, wrapError(ErrAuthenticationFailure, err, ErrCodeKeyWrap, fmt.Sprintf("HSM unwrap with key %s failed", w.keyID))
	}
	return key, nil
}
