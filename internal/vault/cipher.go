package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Envelope versions, one per cipher. The version byte selects the AEAD on
// decrypt so entries sealed before a cipher switch stay readable.
const (
	envelopeXChaCha byte = 0x01
	envelopeAESGCM  byte = 0x02
)

// MinMasterKeyLen is the shortest accepted master secret.
const MinMasterKeyLen = 32

var (
	errEnvelopeTooShort = errors.New("envelope too short")
	errUnknownEnvelope  = errors.New("unknown envelope version")
)

// keyring holds the subkeys derived from the master secret.
type keyring struct {
	sealKey        []byte
	fingerprintKey []byte
	cryptogramKey  []byte
}

func deriveKeys(master []byte) (*keyring, error) {
	if len(master) < MinMasterKeyLen {
		return nil, fmt.Errorf("master key must be at least %d bytes", MinMasterKeyLen)
	}
	derive := func(info string) ([]byte, error) {
		out := make([]byte, 32)
		r := hkdf.New(sha256.New, master, nil, []byte(info))
		if _, err := io.ReadFull(r, out); err != nil {
			return nil, err
		}
		return out, nil
	}

	seal, err := derive("kestrel/pan-encryption")
	if err != nil {
		return nil, err
	}
	fp, err := derive("kestrel/fingerprint")
	if err != nil {
		return nil, err
	}
	cg, err := derive("kestrel/emv-cryptogram")
	if err != nil {
		return nil, err
	}
	return &keyring{sealKey: seal, fingerprintKey: fp, cryptogramKey: cg}, nil
}

// sealer encrypts PANs with a genuine AEAD. The token is bound as associated
// data so a ciphertext cannot be replayed under another token.
type sealer struct {
	version byte
	aeads   map[byte]cipher.AEAD
	rand    io.Reader
}

func newSealer(name string, key []byte) (*sealer, error) {
	xc, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("xchacha20-poly1305: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("aes-gcm: %w", err)
	}

	s := &sealer{
		aeads: map[byte]cipher.AEAD{envelopeXChaCha: xc, envelopeAESGCM: gcm},
		rand:  rand.Reader,
	}
	switch name {
	case "", domain.CipherXChaCha20Poly1305:
		s.version = envelopeXChaCha
	case domain.CipherAES256GCM:
		s.version = envelopeAESGCM
	default:
		return nil, fmt.Errorf("unsupported cipher: %s", name)
	}
	return s, nil
}

// seal returns version || nonce || ciphertext+tag.
func (s *sealer) seal(plaintext, aad []byte) ([]byte, error) {
	aead := s.aeads[s.version]
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(s.rand, nonce); err != nil {
		return nil, fmt.Errorf("nonce: %w", err)
	}

	out := make([]byte, 0, 1+len(nonce)+len(plaintext)+aead.Overhead())
	out = append(out, s.version)
	out = append(out, nonce...)
	return aead.Seal(out, nonce, plaintext, aad), nil
}

// open verifies the tag and returns the plaintext.
func (s *sealer) open(envelope, aad []byte) ([]byte, error) {
	if len(envelope) < 1 {
		return nil, errEnvelopeTooShort
	}
	aead, ok := s.aeads[envelope[0]]
	if !ok {
		return nil, errUnknownEnvelope
	}
	body := envelope[1:]
	if len(body) < aead.NonceSize()+aead.Overhead() {
		return nil, errEnvelopeTooShort
	}
	nonce, sealed := body[:aead.NonceSize()], body[aead.NonceSize():]
	return aead.Open(nil, nonce, sealed, aad)
}

func macSum(key []byte, parts ...string) []byte {
	mac := hmac.New(sha256.New, key)
	for i, p := range parts {
		if i > 0 {
			mac.Write([]byte{'|'})
		}
		mac.Write([]byte(p))
	}
	return mac.Sum(nil)
}
