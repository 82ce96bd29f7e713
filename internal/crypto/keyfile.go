// Package crypto handles the trading wallet: encrypted key storage and the
// request signatures the swap aggregator requires.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	keyfileIterations = 480_000 // PBKDF2-HMAC-SHA256
	keyfileSaltLen    = 16
	keyfileAESKeyLen  = 32
	keyfileVersion    = 1
)

// keyfile is the on-disk format for an encrypted wallet key.
type keyfile struct {
	Version    int    `json:"version"`
	Salt       string `json:"salt"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

// KeySource tells LoadPrivateKey where the wallet key comes from. Exactly one
// of RawPrivateKey or KeyfilePath must be set.
type KeySource struct {
	// RawPrivateKey is the hex-encoded key, with or without 0x prefix.
	RawPrivateKey string
	// KeyfilePath points at a file produced by SealKey.
	KeyfilePath string
	// Passphrase decrypts the file at KeyfilePath.
	Passphrase string
}

// SealKey encrypts a hex private key under a passphrase: PBKDF2-HMAC-SHA256
// key derivation into AES-256-GCM. The returned JSON is what KeyfilePath
// expects.
func SealKey(privateKeyHex, passphrase string) ([]byte, error) {
	if passphrase == "" {
		return nil, errors.New("crypto: empty passphrase")
	}
	keyBytes, err := decodeKeyHex(privateKeyHex)
	if err != nil {
		return nil, err
	}

	salt := make([]byte, keyfileSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("crypto: generate salt: %w", err)
	}
	gcm, err := newKeyfileGCM(passphrase, salt)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("crypto: generate nonce: %w", err)
	}

	out := keyfile{
		Version:    keyfileVersion,
		Salt:       base64.StdEncoding.EncodeToString(salt),
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(gcm.Seal(nil, nonce, keyBytes, nil)),
	}
	return json.MarshalIndent(out, "", "  ")
}

// OpenKey decrypts a keyfile blob, returning the hex key without 0x prefix.
func OpenKey(data []byte, passphrase string) (string, error) {
	if passphrase == "" {
		return "", errors.New("crypto: empty passphrase")
	}
	var stored keyfile
	if err := json.Unmarshal(data, &stored); err != nil {
		return "", fmt.Errorf("crypto: parse keyfile: %w", err)
	}
	if stored.Version != keyfileVersion {
		return "", fmt.Errorf("crypto: unsupported keyfile version %d", stored.Version)
	}

	salt, err := base64.StdEncoding.DecodeString(stored.Salt)
	if err != nil {
		return "", fmt.Errorf("crypto: decode salt: %w", err)
	}
	nonce, err := base64.StdEncoding.DecodeString(stored.Nonce)
	if err != nil {
		return "", fmt.Errorf("crypto: decode nonce: %w", err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(stored.Ciphertext)
	if err != nil {
		return "", fmt.Errorf("crypto: decode ciphertext: %w", err)
	}

	gcm, err := newKeyfileGCM(passphrase, salt)
	if err != nil {
		return "", err
	}
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("crypto: keyfile decryption failed: %w", err)
	}
	return hex.EncodeToString(plaintext), nil
}

// LoadPrivateKey resolves the wallet key from a KeySource. A raw key wins
// over a keyfile when both are set.
func LoadPrivateKey(src KeySource) (string, error) {
	if src.RawPrivateKey != "" {
		if _, err := decodeKeyHex(src.RawPrivateKey); err != nil {
			return "", err
		}
		return strings.TrimPrefix(src.RawPrivateKey, "0x"), nil
	}
	if src.KeyfilePath != "" {
		data, err := os.ReadFile(src.KeyfilePath)
		if err != nil {
			return "", fmt.Errorf("crypto: read keyfile: %w", err)
		}
		return OpenKey(data, src.Passphrase)
	}
	return "", errors.New("crypto: no key source configured")
}

func newKeyfileGCM(passphrase string, salt []byte) (cipher.AEAD, error) {
	derived := pbkdf2.Key([]byte(passphrase), salt, keyfileIterations, keyfileAESKeyLen, sha256.New)
	block, err := aes.NewCipher(derived)
	if err != nil {
		return nil, fmt.Errorf("crypto: create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypto: create GCM: %w", err)
	}
	return gcm, nil
}

func decodeKeyHex(privateKeyHex string) ([]byte, error) {
	keyHex := strings.TrimPrefix(privateKeyHex, "0x")
	keyBytes, err := hex.DecodeString(keyHex)
	if err != nil {
		return nil, fmt.Errorf("crypto: invalid private key hex: %w", err)
	}
	if len(keyBytes) != 32 {
		return nil, fmt.Errorf("crypto: expected 32-byte key, got %d", len(keyBytes))
	}
	return keyBytes, nil
}
