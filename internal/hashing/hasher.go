package hashing

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/crypto/argon2"

	"portal-auth/internal/config"
)

func argon2Key(data string, salt []byte, p Argon2Params, keyLength uint32) []byte {
	return argon2.IDKey([]byte(data), salt, p.Iterations, p.Memory, p.Parallelism, keyLength)
}

var (
	ErrInvalidHash         = errors.New("invalid hash format")
	ErrIncompatibleVersion = errors.New("incompatible hash version")
)

const hashAlgorithm = "argon2id-v1"

type Argon2Params struct {
	Memory      uint32
	Iterations  uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

type Hasher struct {
	params Argon2Params
	// peppers are versioned 1..n from config; the highest version is used
	// for new hashes, older versions remain verifiable.
	peppers []string
	mu      sync.RWMutex
}

type HashResult struct {
	Hash          string `json:"hash"`
	Salt          string `json:"salt"`
	PepperVersion int    `json:"pepper_version"`
	Algorithm     string `json:"algorithm"`
}

func NewHasher(cfg *config.Config) *Hasher {
	params := Argon2Params{
		Memory:      uint32(cfg.Hashing.Argon2MemoryCost),
		Iterations:  uint32(cfg.Hashing.Argon2TimeCost),
		Parallelism: uint8(cfg.Hashing.Argon2Parallelism),
		SaltLength:  32,
		KeyLength:   32,
	}

	return &Hasher{
		params:  params,
		peppers: cfg.Hashing.Peppers,
	}
}

// HashPassword hashes a login password with the current pepper.
func (h *Hasher) HashPassword(password string) (*HashResult, error) {
	return h.hashWithPepper(password, "password")
}

// VerifyPassword checks a candidate password against a stored result in
// constant time.
func (h *Hasher) VerifyPassword(password string, hashResult *HashResult) (bool, error) {
	return h.verifyWithPepper(password, hashResult, "password")
}

func (h *Hasher) hashWithPepper(data, context string) (*HashResult, error) {
	pepper, version := h.currentPepper()

	salt := make([]byte, h.params.SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}

	// Context string prevents hash reuse between purposes
	contextualData := data + pepper + context

	hash := argon2Key(contextualData, salt, h.params, h.params.KeyLength)

	return &HashResult{
		Hash:          base64.RawURLEncoding.EncodeToString(hash),
		Salt:          base64.RawURLEncoding.EncodeToString(salt),
		PepperVersion: version,
		Algorithm:     hashAlgorithm,
	}, nil
}

func (h *Hasher) verifyWithPepper(data string, hashResult *HashResult, context string) (bool, error) {
	if hashResult.Algorithm != "" && hashResult.Algorithm != hashAlgorithm {
		return false, ErrIncompatibleVersion
	}

	pepper, err := h.getPepper(hashResult.PepperVersion)
	if err != nil {
		return false, fmt.Errorf("pepper version not found: %w", err)
	}

	salt, err := base64.RawURLEncoding.DecodeString(hashResult.Salt)
	if err != nil {
		return false, ErrInvalidHash
	}

	expectedHash, err := base64.RawURLEncoding.DecodeString(hashResult.Hash)
	if err != nil {
		return false, ErrInvalidHash
	}

	contextualData := data + pepper + context
	computedHash := argon2Key(contextualData, salt, h.params, uint32(len(expectedHash)))

	return subtle.ConstantTimeCompare(computedHash, expectedHash) == 1, nil
}

func (h *Hasher) currentPepper() (string, int) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.peppers[len(h.peppers)-1], len(h.peppers)
}

func (h *Hasher) getPepper(version int) (string, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if version < 1 || version > len(h.peppers) {
		return "", errors.New("pepper version not found")
	}
	return h.peppers[version-1], nil
}

// Encode packs a HashResult into a single storable string:
// algorithm$pepperVersion$salt$hash
func (r *HashResult) Encode() string {
	return strings.Join([]string{r.Algorithm, strconv.Itoa(r.PepperVersion), r.Salt, r.Hash}, "$")
}

// DecodeHashResult parses the storage encoding produced by Encode.
func DecodeHashResult(encoded string) (*HashResult, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 4 {
		return nil, ErrInvalidHash
	}
	version, err := strconv.Atoi(parts[1])
	if err != nil {
		return nil, ErrInvalidHash
	}
	return &HashResult{
		Algorithm:     parts[0],
		PepperVersion: version,
		Salt:          parts[2],
		Hash:          parts[3],
	}, nil
}
