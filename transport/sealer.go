package transport

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/flynn/noise"
	"golang.org/x/crypto/hkdf"
)

const (
	saltSize  = 16
	nonceSize = 8
	// MinKeySize is the shortest pre-shared key accepted by NewSealer.
	MinKeySize = 16
	// maxPeerKeys bounds the receive-side key cache.
	maxPeerKeys = 64
)

var sealInfo = []byte("cfdp udp seal v1")

var (
	// ErrKeyTooShort indicates a pre-shared key below MinKeySize.
	ErrKeyTooShort = errors.New("transport: pre-shared key too short")
	// ErrUnseal indicates a datagram that failed authentication.
	ErrUnseal = errors.New("transport: cannot open sealed datagram")
)

// Sealer authenticates and encrypts datagrams with a pre-shared key. Each
// instance draws a random salt; the salt and the pre-shared key derive a
// ChaCha20-Poly1305 key through HKDF-SHA256, and a counter supplies nonces.
// Datagrams carry [salt][nonce][ciphertext].
type Sealer struct {
	psk   []byte
	salt  [saltSize]byte
	send  noise.Cipher
	nonce atomic.Uint64

	mu   sync.Mutex
	recv map[[saltSize]byte]noise.Cipher
}

// NewSealer creates a sealer for psk.
func NewSealer(psk []byte) (*Sealer, error) {
	if len(psk) < MinKeySize {
		return nil, fmt.Errorf("%w: %d bytes", ErrKeyTooShort, len(psk))
	}
	s := &Sealer{
		psk:  append([]byte(nil), psk...),
		recv: make(map[[saltSize]byte]noise.Cipher),
	}
	if _, err := io.ReadFull(rand.Reader, s.salt[:]); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	c, err := s.cipherFor(s.salt)
	if err != nil {
		return nil, err
	}
	s.send = c
	return s, nil
}

func (s *Sealer) cipherFor(salt [saltSize]byte) (noise.Cipher, error) {
	var key [32]byte
	r := hkdf.New(sha256.New, s.psk, salt[:], sealInfo)
	if _, err := io.ReadFull(r, key[:]); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	return noise.CipherChaChaPoly.Cipher(key), nil
}

// Seal returns the sealed form of plaintext.
func (s *Sealer) Seal(plaintext []byte) []byte {
	n := s.nonce.Add(1)
	out := make([]byte, 0, saltSize+nonceSize+len(plaintext)+16)
	out = append(out, s.salt[:]...)
	out = binary.BigEndian.AppendUint64(out, n)
	ad := out[:saltSize+nonceSize]
	return s.send.Encrypt(out, n, ad, plaintext)
}

// Open authenticates and decrypts a sealed datagram.
func (s *Sealer) Open(datagram []byte) ([]byte, error) {
	if len(datagram) < saltSize+nonceSize {
		return nil, ErrUnseal
	}
	var salt [saltSize]byte
	copy(salt[:], datagram[:saltSize])
	n := binary.BigEndian.Uint64(datagram[saltSize : saltSize+nonceSize])

	s.mu.Lock()
	c, ok := s.recv[salt]
	if !ok {
		var err error
		if c, err = s.cipherFor(salt); err != nil {
			s.mu.Unlock()
			return nil, err
		}
		if len(s.recv) >= maxPeerKeys {
			s.recv = make(map[[saltSize]byte]noise.Cipher)
		}
		s.recv[salt] = c
	}
	s.mu.Unlock()

	plaintext, err := c.Decrypt(nil, n, datagram[:saltSize+nonceSize], datagram[saltSize+nonceSize:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnseal, err)
	}
	return plaintext, nil
}
