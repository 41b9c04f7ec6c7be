package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/crypto/hkdf"
)

const (
	// MasterKeyEnv overrides the key file when set.
	MasterKeyEnv = "MASTER_KEY_HEX"
	masterKeyLen = 32
)

// ReadMasterKey loads the hex encoded master key from MASTER_KEY_HEX, falling
// back to keyFile.
func ReadMasterKey(keyFile string) ([]byte, error) {
	h := os.Getenv(MasterKeyEnv)
	if h == "" {
		data, err := os.ReadFile(keyFile)
		if err != nil {
			return nil, fmt.Errorf("%s not set and %s could not be read: %w", MasterKeyEnv, keyFile, err)
		}
		h = string(data)
	}
	return ParseMasterKey(h)
}

// ParseMasterKey decodes a 64 character hex key.
func ParseMasterKey(h string) ([]byte, error) {
	b, err := hex.DecodeString(strings.TrimSpace(h))
	if err != nil {
		return nil, fmt.Errorf("master key hex decode error: %w", err)
	}
	if len(b) != masterKeyLen {
		return nil, fmt.Errorf("master key length must be %d bytes (hex %d chars): %w", masterKeyLen, masterKeyLen*2, ErrInvalidKeyLength)
	}
	return b, nil
}

// GenerateMasterKey returns a fresh hex encoded master key.
func GenerateMasterKey() (string, error) {
	key, err := generateRandomBytes(masterKeyLen)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(key), nil
}

// DeriveKey derives a purpose-bound 32 byte subkey from the master key
// using HKDF-SHA256.
func DeriveKey(master []byte, purpose string) ([]byte, error) {
	h := hkdf.New(sha256.New, master, nil, []byte(purpose))
	out := make([]byte, 32)
	if _, err := io.ReadFull(h, out); err != nil {
		return nil, err
	}
	return out, nil
}

// generateRandomBytes generates a slice of random bytes of the given length.
func generateRandomBytes(length int) ([]byte, error) {
	bytes := make([]byte, length)
	if _, err := io.ReadFull(rand.Reader, bytes); err != nil {
		return nil, err
	}
	return bytes, nil
}
