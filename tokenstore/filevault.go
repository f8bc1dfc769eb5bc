package tokenstore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/crypto/pbkdf2"
)

const (
	// encryptedPrefix marks a vault file as encrypted:
	// ENC:base64(nonce|ciphertext|tag).
	encryptedPrefix = "ENC:"

	keySize          = 32 // AES-256
	saltSize         = 32
	pbkdf2Iterations = 600000
	vaultFileMode    = 0o600
	vaultDirMode     = 0o700
	keyFileMode      = 0o600
)

var errCiphertextFormat = errors.New("invalid vault ciphertext format")

// FileVault persists the record as a single file, written atomically via a
// temp file and rename. With an encryption key file configured, contents are
// sealed with AES-256-GCM under a PBKDF2-SHA-256 derived key.
type FileVault struct {
	path string
	aead cipher.AEAD
}

var _ Vault = (*FileVault)(nil)

// FileVaultOption modifies a FileVault during construction.
type FileVaultOption func(*FileVault) error

// WithEncryptionKeyFile enables at-rest encryption. The key file is created
// with a random secret on first use and must stay alongside the vault for
// the stored session to remain readable.
func WithEncryptionKeyFile(keyPath string) FileVaultOption {
	return func(v *FileVault) error {
		material, err := loadOrCreateKeyMaterial(keyPath)
		if err != nil {
			return err
		}
		key := pbkdf2.Key(material.secret, material.salt, pbkdf2Iterations, keySize, sha256.New)
		block, err := aes.NewCipher(key)
		if err != nil {
			return errors.Wrap(err, "[WithEncryptionKeyFile] aes.NewCipher")
		}
		aead, err := cipher.NewGCM(block)
		if err != nil {
			return errors.Wrap(err, "[WithEncryptionKeyFile] cipher.NewGCM")
		}
		v.aead = aead
		return nil
	}
}

// NewFileVault creates a file-backed vault at path, creating the parent
// directory when missing.
func NewFileVault(path string, options ...FileVaultOption) (*FileVault, error) {
	if err := os.MkdirAll(filepath.Dir(path), vaultDirMode); err != nil {
		return nil, errors.Wrap(err, "[NewFileVault] create vault directory")
	}

	v := &FileVault{path: path}
	for _, opt := range options {
		if err := opt(v); err != nil {
			return nil, err
		}
	}
	return v, nil
}

// Put implements Vault.
func (v *FileVault) Put(rec Record) error {
	plaintext, err := json.Marshal(rec)
	if err != nil {
		return errors.Wrap(err, "[FileVault.Put] marshal record")
	}

	contents := plaintext
	if v.aead != nil {
		sealed, err := v.seal(plaintext)
		if err != nil {
			return err
		}
		contents = sealed
	}

	tmp := v.path + ".tmp"
	if err := os.WriteFile(tmp, contents, vaultFileMode); err != nil {
		return errors.Wrap(err, "[FileVault.Put] write temp file")
	}
	if err := os.Rename(tmp, v.path); err != nil {
		return errors.Wrap(err, "[FileVault.Put] rename")
	}
	return nil
}

// Fetch implements Vault.
func (v *FileVault) Fetch() (Record, error) {
	contents, err := os.ReadFile(v.path)
	if err != nil {
		if os.IsNotExist(err) {
			return Record{}, ErrNotFound
		}
		return Record{}, errors.Wrap(err, "[FileVault.Fetch] read")
	}

	plaintext := contents
	if strings.HasPrefix(string(contents), encryptedPrefix) {
		if v.aead == nil {
			return Record{}, errors.New("[FileVault.Fetch] vault is encrypted but no key file is configured")
		}
		plaintext, err = v.open(contents)
		if err != nil {
			return Record{}, err
		}
	}

	var rec Record
	if err := json.Unmarshal(plaintext, &rec); err != nil {
		return Record{}, errors.Wrap(err, "[FileVault.Fetch] unmarshal record")
	}
	return rec, nil
}

// Clear implements Vault.
func (v *FileVault) Clear() error {
	if err := os.Remove(v.path); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "[FileVault.Clear] remove")
	}
	return nil
}

// Close implements Vault.
func (v *FileVault) Close() error {
	return nil
}

func (v *FileVault) seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, v.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, errors.Wrap(err, "[FileVault.seal] rand.Read nonce")
	}
	ciphertext := v.aead.Seal(nonce, nonce, plaintext, nil)
	encoded := encryptedPrefix + base64.StdEncoding.EncodeToString(ciphertext)
	return []byte(encoded), nil
}

func (v *FileVault) open(contents []byte) ([]byte, error) {
	encoded := strings.TrimPrefix(string(contents), encryptedPrefix)
	ciphertext, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, errCiphertextFormat
	}
	if len(ciphertext) < v.aead.NonceSize() {
		return nil, errCiphertextFormat
	}

	nonce, sealed := ciphertext[:v.aead.NonceSize()], ciphertext[v.aead.NonceSize():]
	plaintext, err := v.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, errors.Wrap(err, "[FileVault.open] decrypt")
	}
	return plaintext, nil
}

// keyMaterial is the secret and salt persisted in the key file.
type keyMaterial struct {
	secret []byte
	salt   []byte
}

type keyFile struct {
	Secret string `json:"secret"`
	Salt   string `json:"salt"`
}

func loadOrCreateKeyMaterial(keyPath string) (*keyMaterial, error) {
	contents, err := os.ReadFile(keyPath)
	if err == nil {
		var kf keyFile
		if err := json.Unmarshal(contents, &kf); err != nil {
			return nil, errors.Wrap(err, "[loadOrCreateKeyMaterial] unmarshal key file")
		}
		secret, err := base64.StdEncoding.DecodeString(kf.Secret)
		if err != nil {
			return nil, errors.Wrap(err, "[loadOrCreateKeyMaterial] decode secret")
		}
		salt, err := base64.StdEncoding.DecodeString(kf.Salt)
		if err != nil {
			return nil, errors.Wrap(err, "[loadOrCreateKeyMaterial] decode salt")
		}
		return &keyMaterial{secret: secret, salt: salt}, nil
	}
	if !os.IsNotExist(err) {
		return nil, errors.Wrap(err, "[loadOrCreateKeyMaterial] read key file")
	}

	material := &keyMaterial{
		secret: make([]byte, keySize),
		salt:   make([]byte, saltSize),
	}
	if _, err := rand.Read(material.secret); err != nil {
		return nil, errors.Wrap(err, "[loadOrCreateKeyMaterial] generate secret")
	}
	if _, err := rand.Read(material.salt); err != nil {
		return nil, errors.Wrap(err, "[loadOrCreateKeyMaterial] generate salt")
	}

	contents, err = json.Marshal(keyFile{
		Secret: base64.StdEncoding.EncodeToString(material.secret),
		Salt:   base64.StdEncoding.EncodeToString(material.salt),
	})
	if err != nil {
		return nil, errors.Wrap(err, "[loadOrCreateKeyMaterial] marshal key file")
	}
	if err := os.MkdirAll(filepath.Dir(keyPath), vaultDirMode); err != nil {
		return nil, errors.Wrap(err, "[loadOrCreateKeyMaterial] create key directory")
	}
	if err := os.WriteFile(keyPath, contents, keyFileMode); err != nil {
		return nil, errors.Wrap(err, "[loadOrCreateKeyMaterial] write key file")
	}
	return material, nil
}
