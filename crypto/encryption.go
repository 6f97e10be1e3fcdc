package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/sha3"
)

const aesKeySize = 32

var errCiphertextTooShort = errors.New("ciphertext too short")

// EncryptionKeyPair holds an ECDH key pair used to receive encrypted
// payloads, separate from the Ed25519 signing identity.
type EncryptionKeyPair struct {
	private *ecdh.PrivateKey
}

// GenerateEncryptionKeyPair creates a fresh P-256 key pair.
func GenerateEncryptionKeyPair() (*EncryptionKeyPair, error) {
	priv, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return &EncryptionKeyPair{private: priv}, nil
}

// PublicKeyBytes returns the recipient key to publish.
func (kp *EncryptionKeyPair) PublicKeyBytes() []byte {
	return kp.private.PublicKey().Bytes()
}

// deriveAESKey hashes an ECDH shared secret into a symmetric key. The domain
// separation string keeps this KDF distinct from other uses of the shared
// secret.
func deriveAESKey(sharedSecret []byte) []byte {
	h := sha3.New256()
	h.Write([]byte("fedshare-ecies-v1"))
	h.Write(sharedSecret)
	return h.Sum(nil)[:aesKeySize]
}

// Encrypt encrypts plaintext to the recipient's P-256 public key using an
// ephemeral key exchange and AES-GCM. Output layout is
// ephemeralPublicKey || nonce || sealed.
func Encrypt(recipientPublicKey []byte, plaintext []byte) ([]byte, error) {
	remote, err := ecdh.P256().NewPublicKey(recipientPublicKey)
	if err != nil {
		return nil, fmt.Errorf("invalid recipient key: %w", err)
	}
	ephemeral, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	sharedSecret, err := ephemeral.ECDH(remote)
	if err != nil {
		return nil, err
	}
	aead, err := newGCM(deriveAESKey(sharedSecret))
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	ephemeralBytes := ephemeral.PublicKey().Bytes()
	out := make([]byte, 0, len(ephemeralBytes)+len(nonce)+len(plaintext)+aead.Overhead())
	out = append(out, ephemeralBytes...)
	out = append(out, nonce...)
	return aead.Seal(out, nonce, plaintext, nil), nil
}

// Decrypt reverses Encrypt with the recipient's private key.
func (kp *EncryptionKeyPair) Decrypt(ciphertext []byte) ([]byte, error) {
	// Uncompressed P-256 points are 65 bytes.
	const pointSize = 65
	if len(ciphertext) < pointSize {
		return nil, errCiphertextTooShort
	}
	ephemeral, err := ecdh.P256().NewPublicKey(ciphertext[:pointSize])
	if err != nil {
		return nil, fmt.Errorf("invalid ephemeral key: %w", err)
	}
	sharedSecret, err := kp.private.ECDH(ephemeral)
	if err != nil {
		return nil, err
	}
	aead, err := newGCM(deriveAESKey(sharedSecret))
	if err != nil {
		return nil, err
	}
	rest := ciphertext[pointSize:]
	if len(rest) < aead.NonceSize() {
		return nil, errCiphertextTooShort
	}
	nonce, sealed := rest[:aead.NonceSize()], rest[aead.NonceSize():]
	return aead.Open(nil, nonce, sealed, nil)
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
