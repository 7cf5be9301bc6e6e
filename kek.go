// kek.go: Versioned key-encryption keys with zero-downtime rotation.
//
// A KeyManager implements KeyWrapper: a raw envelope key is sealed with the
// active KEK under AES-256-GCM and the wrapped form names the KEK version, so
// envelopes written before a rotation still open afterwards.
//
// Wrapped key layout:
//
//	byte   len(id)
//	bytes  id        (KEK version id, also the GCM associated data)
//	bytes  nonce     (12 bytes)
//	bytes  sealed key
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package envelope

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/agilira/go-timecache"
	"github.com/google/uuid"
)

// KEKSize is the size of every key-encryption key.
const KEKSize = 32

// Error codes for KEK management
const (
	ErrCodeKeyNotFound      = "KEK_NOT_FOUND"
	ErrCodeKeyInactive      = "KEK_INACTIVE"
	ErrCodeKeyGeneration    = "KEK_GENERATION"
	ErrCodeKeyRotation      = "KEK_ROTATION"
	ErrCodeKeyValidation    = "KEK_VALIDATION"
	ErrCodeKeySerialization = "KEK_SERIALIZATION"
)

// Key status constants
const (
	StatusActive     = "active"     // wraps and unwraps
	StatusPending    = "pending"    // generated, awaiting validation
	StatusValidating = "validating" // validated, awaiting commit
	StatusDeprecated = "deprecated" // unwraps only
	StatusRevoked    = "revoked"    // unusable, key bytes zeroed
)

// KeyVersion is one KEK generation.
type KeyVersion struct {
	ID        string            `json:"id"`
	Version   int               `json:"version"`
	CreatedAt time.Time         `json:"created_at"`
	Status    string            `json:"status"`
	Algorithm string            `json:"algorithm"`
	Purpose   string            `json:"purpose"`
	Metadata  map[string]string `json:"metadata,omitempty"`

	key []byte
	gcm cipher.AEAD
}

// aead returns the cached GCM instance, creating it on first use.
func (kv *KeyVersion) aead() (cipher.AEAD, error) {
	if kv.gcm != nil {
		return kv.gcm, nil
	}
	if len(kv.key) == 0 {
		return nil, invalidParameter(ErrCodeKeyInactive, fmt.Sprintf("KEK %s has no key material", kv.ID))
	}
	block, err := aes.NewCipher(kv.key)
	if err != nil {
		return nil, wrapError(ErrInvalidParameter, err, ErrCodeKeyGeneration, "failed to create AES cipher")
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, wrapError(ErrInvalidParameter, err, ErrCodeKeyGeneration, "failed to create GCM cipher")
	}
	kv.gcm = gcm
	return gcm, nil
}

// seal wraps key under this KEK.
func (kv *KeyVersion) seal(key []byte) ([]byte, error) {
	gcm, err := kv.aead()
	if err != nil {
		return nil, err
	}
	id := []byte(kv.ID)
	out := make([]byte, 1+len(id)+gcm.NonceSize(), 1+len(id)+gcm.NonceSize()+len(key)+gcm.Overhead())
	out[0] = byte(len(id))
	copy(out[1:], id)
	nonce := out[1+len(id):]
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, wrapError(ErrInvalidParameter, err, ErrCodeRandom, "failed to generate nonce")
	}
	return gcm.Seal(out, nonce, key, id), nil // #nosec G407 -- nonce is generated from crypto/rand
}

// open unwraps the sealed part of a wrapped key.
func (kv *KeyVersion) open(nonce, sealed []byte) ([]byte, error) {
	gcm, err := kv.aead()
	if err != nil {
		return nil, err
	}
	key, err := gcm.Open(nil, nonce, sealed, []byte(kv.ID))
	if err != nil {
		return nil, wrapError(ErrAuthenticationFailure, err, ErrCodeKeyWrap, "wrapped key failed authentication")
	}
	return key, nil
}

func (kv *KeyVersion) publicCopy() *KeyVersion {
	return &KeyVersion{
		ID:        kv.ID,
		Version:   kv.Version,
		CreatedAt: kv.CreatedAt,
		Status:    kv.Status,
		Algorithm: kv.Algorithm,
		Purpose:   kv.Purpose,
		Metadata:  kv.Metadata,
	}
}

func (kv *KeyVersion) destroy() {
	Zeroize(kv.key)
	kv.key = nil
	kv.gcm = nil
}

// KeyManager keeps the KEK versions used to wrap envelope keys. It is safe
// for concurrent use.
type KeyManager struct {
	mu          sync.RWMutex
	activeKEK   *KeyVersion
	pendingKEK  *KeyVersion
	previousKEK *KeyVersion
	versions    map[string]*KeyVersion
	maxVersions int
}

var _ KeyWrapper = (*KeyManager)(nil)

// NewKeyManager returns an empty manager keeping up to 10 versions.
func NewKeyManager() *KeyManager {
	return NewKeyManagerWithOptions(10)
}

// NewKeyManagerWithOptions returns an empty manager keeping up to
// maxVersions versions. Only revoked versions are ever evicted.
func NewKeyManagerWithOptions(maxVersions int) *KeyManager {
	return &KeyManager{
		versions:    make(map[string]*KeyVersion),
		maxVersions: maxVersions,
	}
}

// GenerateKEK creates a pending KEK. Call ActivateKEK to use it.
func (km *KeyManager) GenerateKEK(purpose string) (*KeyVersion, error) {
	km.mu.Lock()
	defer km.mu.Unlock()
	return km.generateKEKLocked(purpose)
}

func (km *KeyManager) generateKEKLocked(purpose string) (*KeyVersion, error) {
	key, err := GenerateKey(KEKSize)
	if err != nil {
		return nil, wrapError(ErrInvalidParameter, err, ErrCodeKeyGeneration, "failed to generate KEK")
	}
	id, err := uuid.NewRandom()
	if err != nil {
		Zeroize(key)
		return nil, wrapError(ErrInvalidParameter, err, ErrCodeKeyGeneration, "failed to generate KEK id")
	}

	version := &KeyVersion{
		ID:        id.String(),
		Version:   km.nextVersion(),
		CreatedAt: timecache.CachedTime().UTC(),
		Status:    StatusPending,
		Algorithm: "AES-256-GCM",
		Purpose:   purpose,
		Metadata:  map[string]string{"type": "KEK"},
		key:       key,
	}
	if _, err := version.aead(); err != nil {
		version.destroy()
		return nil, err
	}

	km.versions[version.ID] = version
	return version.publicCopy(), nil
}

// ActivateKEK makes keyID the wrapping key. The previous active KEK is
// deprecated and keeps unwrapping.
func (km *KeyManager) ActivateKEK(keyID string) error {
	km.mu.Lock()
	defer km.mu.Unlock()

	version, ok := km.versions[keyID]
	if !ok {
		return invalidParameter(ErrCodeKeyNotFound, fmt.Sprintf("KEK %s not found", keyID))
	}
	if version.Status == StatusRevoked {
		return invalidParameter(ErrCodeKeyInactive, fmt.Sprintf("cannot activate revoked KEK %s", keyID))
	}
	km.promoteLocked(version)
	if km.pendingKEK == version {
		km.pendingKEK = nil
	}
	return nil
}

func (km *KeyManager) promoteLocked(version *KeyVersion) {
	if km.activeKEK != nil && km.activeKEK != version {
		km.activeKEK.Status = StatusDeprecated
		km.previousKEK = km.activeKEK
	}
	version.Status = StatusActive
	km.activeKEK = version
}

// RotateKEK generates and immediately activates a new KEK.
func (km *KeyManager) RotateKEK(purpose string) (*KeyVersion, error) {
	km.mu.Lock()
	defer km.mu.Unlock()

	version, err := km.generateKEKLocked(purpose)
	if err != nil {
		return nil, err
	}
	km.promoteLocked(km.versions[version.ID])
	km.cleanupOldVersions()
	return km.activeKEK.publicCopy(), nil
}

// PrepareKEKRotation generates a pending KEK without touching the active one.
func (km *KeyManager) PrepareKEKRotation(purpose string) (*KeyVersion, error) {
	km.mu.Lock()
	defer km.mu.Unlock()

	if km.pendingKEK != nil {
		return nil, invalidParameter(ErrCodeKeyRotation, "rotation already in progress")
	}
	version, err := km.generateKEKLocked(purpose)
	if err != nil {
		return nil, err
	}
	km.pendingKEK = km.versions[version.ID]
	return version, nil
}

// ValidateKEKRotation checks that the pending KEK wraps and unwraps a fresh
// key. On failure the pending KEK is revoked.
func (km *KeyManager) ValidateKEKRotation() error {
	km.mu.Lock()
	defer km.mu.Unlock()

	pending := km.pendingKEK
	if pending == nil {
		return invalidParameter(ErrCodeKeyRotation, "no pending KEK to validate")
	}

	probe, err := GenerateKey(DefaultKeySize)
	if err != nil {
		return err
	}
	defer Zeroize(probe)

	fail := func(cause error, msg string) error {
		pending.Status = StatusRevoked
		pending.destroy()
		km.pendingKEK = nil
		if cause == nil {
			return invalidParameter(ErrCodeKeyValidation, msg)
		}
		return wrapError(ErrInvalidParameter, cause, ErrCodeKeyValidation, msg)
	}

	wrapped, err := pending.seal(probe)
	if err != nil {
		return fail(err, "failed to wrap probe key")
	}
	id, nonce, sealed, err := splitWrapped(wrapped)
	if err != nil {
		return fail(err, "wrapped probe key is malformed")
	}
	if id != pending.ID {
		return fail(nil, "wrapped probe key names another KEK")
	}
	unwrapped, err := pending.open(nonce, sealed)
	if err != nil {
		return fail(err, "failed to unwrap probe key")
	}
	defer Zeroize(unwrapped)
	if subtle.ConstantTimeCompare(unwrapped, probe) != 1 {
		return fail(nil, "unwrapped probe key does not match")
	}

	pending.Status = StatusValidating
	return nil
}

// CommitKEKRotation activates the validated pending KEK.
func (km *KeyManager) CommitKEKRotation() error {
	km.mu.Lock()
	defer km.mu.Unlock()

	if km.pendingKEK == nil || km.pendingKEK.Status != StatusValidating {
		return invalidParameter(ErrCodeKeyRotation, "no validated pending KEK to commit")
	}
	km.promoteLocked(km.pendingKEK)
	km.pendingKEK = nil
	km.cleanupOldVersions()
	return nil
}

// RollbackKEKRotation revokes the pending KEK.
func (km *KeyManager) RollbackKEKRotation() error {
	km.mu.Lock()
	defer km.mu.Unlock()

	if km.pendingKEK == nil {
		return invalidParameter(ErrCodeKeyRotation, "no rotation in progress to rollback")
	}
	km.pendingKEK.Status = StatusRevoked
	km.pendingKEK.destroy()
	km.pendingKEK = nil
	return nil
}

// RotateKEKZeroDowntime runs prepare, validate and commit, rolling back on
// failure.
func (km *KeyManager) RotateKEKZeroDowntime(purpose string) (*KeyVersion, error) {
	version, err := km.PrepareKEKRotation(purpose)
	if err != nil {
		return nil, err
	}
	if err := km.ValidateKEKRotation(); err != nil {
		// validation already revoked the pending KEK
		return nil, err
	}
	if err := km.CommitKEKRotation(); err != nil {
		_ = km.RollbackKEKRotation()
		return nil, err
	}
	version.Status = StatusActive
	return version, nil
}

// GetCurrentKEK returns the active KEK without its key bytes.
func (km *KeyManager) GetCurrentKEK() (*KeyVersion, error) {
	km.mu.RLock()
	defer km.mu.RUnlock()

	if km.activeKEK == nil {
		return nil, invalidParameter(ErrCodeKeyNotFound, "no active KEK")
	}
	return km.activeKEK.publicCopy(), nil
}

// GetKEKByID returns a KEK version without its key bytes.
func (km *KeyManager) GetKEKByID(keyID string) (*KeyVersion, error) {
	km.mu.RLock()
	defer km.mu.RUnlock()

	version, ok := km.versions[keyID]
	if !ok {
		return nil, invalidParameter(ErrCodeKeyNotFound, fmt.Sprintf("KEK %s not found", keyID))
	}
	return version.publicCopy(), nil
}

// ListKEKs returns every known version without key bytes.
func (km *KeyManager) ListKEKs() []*KeyVersion {
	km.mu.RLock()
	defer km.mu.RUnlock()

	out := make([]*KeyVersion, 0, len(km.versions))
	for _, version := range km.versions {
		out = append(out, version.publicCopy())
	}
	return out
}

// RevokeKEK zeroes a KEK. Envelopes wrapped with it can no longer be opened.
// The active KEK cannot be revoked.
func (km *KeyManager) RevokeKEK(keyID string) error {
	km.mu.Lock()
	defer km.mu.Unlock()

	version, ok := km.versions[keyID]
	if !ok {
		return invalidParameter(ErrCodeKeyNotFound, fmt.Sprintf("KEK %s not found", keyID))
	}
	if km.activeKEK == version {
		return invalidParameter(ErrCodeKeyRotation, "cannot revoke the active KEK, rotate first")
	}
	if km.pendingKEK == version {
		km.pendingKEK = nil
	}
	version.Status = StatusRevoked
	version.destroy()
	return nil
}

// WrapKey seals key with the active KEK.
func (km *KeyManager) WrapKey(key []byte) ([]byte, error) {
	km.mu.RLock()
	defer km.mu.RUnlock()

	if km.activeKEK == nil {
		return nil, invalidParameter(ErrCodeKeyNotFound, "no active KEK")
	}
	return km.activeKEK.seal(key)
}

// UnwrapKey opens a key wrapped by any non-revoked version.
func (km *KeyManager) UnwrapKey(wrapped []byte) ([]byte, error) {
	id, nonce, sealed, err := splitWrapped(wrapped)
	if err != nil {
		return nil, err
	}

	km.mu.RLock()
	defer km.mu.RUnlock()

	version, ok := km.versions[id]
	if !ok {
		return nil, invalidParameter(ErrCodeKeyNotFound, fmt.Sprintf("KEK %s not found", id))
	}
	if version.Status == StatusRevoked {
		return nil, invalidParameter(ErrCodeKeyInactive, fmt.Sprintf("KEK %s is revoked", id))
	}
	return version.open(nonce, sealed)
}

// splitWrapped parses the wrapped key layout.
func splitWrapped(wrapped []byte) (id string, nonce, sealed []byte, err error) {
	const nonceSize = 12
	if len(wrapped) < 1 {
		return "", nil, nil, malformed(ErrCodeTruncated, "wrapped key is empty")
	}
	idLen := int(wrapped[0])
	if len(wrapped) < 1+idLen+nonceSize {
		return "", nil, nil, malformed(ErrCodeTruncated, "wrapped key is truncated")
	}
	id = string(wrapped[1 : 1+idLen])
	nonce = wrapped[1+idLen : 1+idLen+nonceSize]
	sealed = wrapped[1+idLen+nonceSize:]
	return id, nonce, sealed, nil
}

// ExportKeyMaterial returns the version table as JSON. Key bytes are never
// included.
func (km *KeyManager) ExportKeyMaterial() ([]byte, error) {
	km.mu.RLock()
	defer km.mu.RUnlock()

	export := struct {
		Versions    map[string]*KeyVersion `json:"versions"`
		CurrentKEK  string                 `json:"current_kek,omitempty"`
		PreviousKEK string                 `json:"previous_kek,omitempty"`
		MaxVersions int                    `json:"max_versions"`
	}{
		Versions:    make(map[string]*KeyVersion, len(km.versions)),
		MaxVersions: km.maxVersions,
	}
	for id, version := range km.versions {
		export.Versions[id] = version.publicCopy()
	}
	if km.activeKEK != nil {
		export.CurrentKEK = km.activeKEK.ID
	}
	if km.previousKEK != nil {
		export.PreviousKEK = km.previousKEK.ID
	}

	data, err := json.Marshal(export)
	if err != nil {
		return nil, wrapError(ErrInvalidParameter, err, ErrCodeKeySerialization, "failed to marshal key versions")
	}
	return data, nil
}

func (km *KeyManager) nextVersion() int {
	highest := 0
	for _, version := range km.versions {
		if version.Version > highest {
			highest = version.Version
		}
	}
	return highest + 1
}

// cleanupOldVersions evicts revoked versions once the table exceeds
// maxVersions.
func (km *KeyManager) cleanupOldVersions() {
	if len(km.versions) <= km.maxVersions {
		return
	}
	for id, version := range km.versions {
		if version.Status != StatusRevoked || version == km.activeKEK || version == km.previousKEK {
			continue
		}
		version.destroy()
		delete(km.versions, id)
	}
}
