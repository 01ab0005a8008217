// Package crypto implements the encrypted-string carrier used for service
// credentials and the opaque tokens embedded in playback URLs.
package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/nacl/secretbox"
)

// EncryptedPrefix tags a ciphertext string. Every boundary that accepts a
// credential value must check for this prefix before using the value as
// plaintext.
const EncryptedPrefix = "aioenc:"

var (
	ErrNotEncrypted  = errors.New("value is not an encrypted string")
	ErrDecryptFailed = errors.New("Couldn't open encrypted value")
)

// Codec seals and opens marker-prefixed ciphertexts with a key derived from
// the operator's INTERNAL_SECRET.
type Codec struct {
	key [32]byte
}

// NewCodec derives the secretbox key from the given secret.
// The secret can be of any length; it's hashed to the 32 bytes secretbox needs.
func NewCodec(secret string) (*Codec, error) {
	if secret == "" {
		return nil, errors.New("secret must not be empty")
	}
	c := &Codec{}
	c.key = sha256.Sum256([]byte(secret))
	return c, nil
}

// IsEncrypted reports whether the value carries the ciphertext marker.
func IsEncrypted(value string) bool {
	return strings.HasPrefix(value, EncryptedPrefix)
}

// Seal encrypts the plaintext and returns it in marker-prefixed form.
func (c *Codec) Seal(plaintext string) (string, error) {
	var nonce [24]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return "", fmt.Errorf("Couldn't read random nonce: %v", err)
	}
	sealed := secretbox.Seal(nonce[:], []byte(plaintext), &nonce, &c.key)
	return EncryptedPrefix + base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Open decrypts a marker-prefixed ciphertext.
// It fails with ErrNotEncrypted when the marker is missing, so callers can
// distinguish "plaintext credential" from "broken ciphertext".
func (c *Codec) Open(value string) (string, error) {
	if !IsEncrypted(value) {
		return "", ErrNotEncrypted
	}
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimPrefix(value, EncryptedPrefix))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecryptFailed, err)
	}
	if len(raw) < 24 {
		return "", ErrDecryptFailed
	}
	var nonce [24]byte
	copy(nonce[:], raw[:24])
	plaintext, ok := secretbox.Open(nil, raw[24:], &nonce, &c.key)
	if !ok {
		return "", ErrDecryptFailed
	}
	return string(plaintext), nil
}

// OpenIfEncrypted returns the plaintext for ciphertexts and the value itself
// otherwise. This is the boundary helper for credential values that may be
// stored in either form.
func (c *Codec) OpenIfEncrypted(value string) (string, error) {
	if !IsEncrypted(value) {
		return value, nil
	}
	return c.Open(value)
}

// StoreAuth is the decrypted form of the "encryptedStoreAuth" playback URL
// segment: which debrid service to use and the credential to use it with.
type StoreAuth struct {
	ID         string `json:"id"`
	Credential string `json:"credential"`
}

// SealStoreAuth encrypts a StoreAuth for embedding in a playback URL.
func (c *Codec) SealStoreAuth(auth StoreAuth) (string, error) {
	authJSON, err := json.Marshal(auth)
	if err != nil {
		return "", fmt.Errorf("Couldn't marshal store auth: %v", err)
	}
	return c.Seal(string(authJSON))
}

// OpenStoreAuth decrypts a playback URL auth segment.
func (c *Codec) OpenStoreAuth(value string) (StoreAuth, error) {
	plaintext, err := c.Open(value)
	if err != nil {
		return StoreAuth{}, err
	}
	var auth StoreAuth
	if err := json.Unmarshal([]byte(plaintext), &auth); err != nil {
		return StoreAuth{}, fmt.Errorf("Couldn't unmarshal store auth: %v", err)
	}
	if auth.ID == "" {
		return StoreAuth{}, errors.New("store auth has an empty service ID")
	}
	return auth, nil
}

// FileInfo is the stable wire format of the "fileInfoB64" playback URL
// segment: base64 of JSON.
type FileInfo struct {
	Type         string   `json:"type"` // "torrent" or "usenet"
	Hash         string   `json:"hash"`
	Index        int      `json:"index"`
	Sources      []string `json:"sources,omitempty"`
	NZB          string   `json:"nzb,omitempty"`
	CacheAndPlay bool     `json:"cacheAndPlay,omitempty"`
}

// EncodeFileInfo serializes a FileInfo into its URL segment form.
func EncodeFileInfo(fi FileInfo) (string, error) {
	fiJSON, err := json.Marshal(fi)
	if err != nil {
		return "", fmt.Errorf("Couldn't marshal file info: %v", err)
	}
	return base64.RawURLEncoding.EncodeToString(fiJSON), nil
}

// DecodeFileInfo parses a "fileInfoB64" URL segment.
func DecodeFileInfo(encoded string) (FileInfo, error) {
	fiJSON, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return FileInfo{}, fmt.Errorf("Couldn't decode file info: %v", err)
	}
	var fi FileInfo
	if err := json.Unmarshal(fiJSON, &fi); err != nil {
		return FileInfo{}, fmt.Errorf("Couldn't unmarshal file info: %v", err)
	}
	if fi.Type != "torrent" && fi.Type != "usenet" {
		return FileInfo{}, fmt.Errorf("unknown file info type %q", fi.Type)
	}
	return fi, nil
}

// MetadataID derives the short hash under which title metadata is stored for
// the lifetime of a playback link. The input must already be in canonical
// (deterministically marshaled) form.
func MetadataID(canonical []byte) string {
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:8])
}
