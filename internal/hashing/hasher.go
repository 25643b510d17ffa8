package hashing

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"

	"qrorder-auth/internal/config"
	"qrorder-auth/internal/util"

	"go.uber.org/zap"
	"golang.org/x/crypto/argon2"
)

var (
	ErrInvalidHash         = errors.New("invalid hash format")
	ErrIncompatibleVersion = errors.New("incompatible argon2 version")
)

type Argon2Params struct {
	Memory      uint32
	Iterations  uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

// Hasher hashes one-time codes with argon2id plus a rotating pepper, and
// computes keyed digests used as non-reversible lookup keys.
//
// Pepper versions are derived from the configured secret and the clock, so
// every replica sharing HASH_PEPPER agrees on the pepper for a version
// without coordinating.
type Hasher struct {
	params   Argon2Params
	secret   []byte
	rotation time.Duration
	clock    util.Clock
}

type HashResult struct {
	Hash          string `json:"hash"`
	Salt          string `json:"salt"`
	PepperVersion int    `json:"pepper_version"`
	Algorithm     string `json:"algorithm"`
}

// Versions older than current-retainedPeppers no longer verify. Codes live
// minutes, rotations are days apart.
const retainedPeppers = 2

func NewHasher(cfg config.HashingConfig) *Hasher {
	return NewHasherWithClock(cfg, util.RealClock{})
}

func NewHasherWithClock(cfg config.HashingConfig, clock util.Clock) *Hasher {
	params := Argon2Params{
		Memory:      uint32(max(cfg.Argon2MemoryCost, 8*1024)),
		Iterations:  uint32(max(cfg.Argon2TimeCost, 1)),
		Parallelism: uint8(max(cfg.Argon2Parallelism, 1)),
		SaltLength:  16,
		KeyLength:   32,
	}

	h := &Hasher{
		params:   params,
		rotation: time.Duration(cfg.PepperRotationDays) * 24 * time.Hour,
		clock:    clock,
	}

	if cfg.Pepper != "" {
		h.secret = []byte(cfg.Pepper)
	} else {
		util.Warn("HASH_PEPPER not set - generating an ephemeral pepper, codes will not survive a restart")
		h.secret = make([]byte, 32)
		if _, err := rand.Read(h.secret); err != nil {
			util.Fatal("Failed to generate pepper", zap.Error(err))
		}
	}

	return h
}

// currentVersion counts rotation periods since the Unix epoch, starting at 1.
// With rotation disabled every code uses version 1.
func (h *Hasher) currentVersion() int {
	if h.rotation <= 0 {
		return 1
	}
	return int(h.clock.Now().Unix()/int64(h.rotation/time.Second)) + 1
}

func (h *Hasher) pepper(version int) string {
	mac := hmac.New(sha256.New, h.secret)
	mac.Write([]byte("pepper:v" + strconv.Itoa(version)))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

func (h *Hasher) HashOTP(otp string) (*HashResult, error) {
	return h.hashWithPepper(otp, "otp")
}

func (h *Hasher) VerifyOTP(otp string, hashResult *HashResult) (bool, error) {
	return h.verifyWithPepper(otp, hashResult, "otp")
}

var (
	decoySalt = base64.RawURLEncoding.EncodeToString(make([]byte, 16))
	decoyHash = base64.RawURLEncoding.EncodeToString(make([]byte, 32))
)

// VerifyDecoy does the work of VerifyOTP against a hash that never matches,
// under the current pepper so it cannot short-circuit on a retired version.
func (h *Hasher) VerifyDecoy(otp string) {
	_, _ = h.verifyWithPepper(otp, &HashResult{
		Hash:          decoyHash,
		Salt:          decoySalt,
		PepperVersion: h.currentVersion(),
	}, "otp")
}

// Digest returns a hex HMAC-SHA256 of parts joined by '|', keyed by the
// configured secret. It does not rotate and is used for lookup keys.
func (h *Hasher) Digest(parts ...string) string {
	mac := hmac.New(sha256.New, h.secret)
	for i, p := range parts {
		if i > 0 {
			mac.Write([]byte{'|'})
		}
		mac.Write([]byte(p))
	}
	return hex.EncodeToString(mac.Sum(nil))
}

func (h *Hasher) hashWithPepper(data, context string) (*HashResult, error) {
	version := h.currentVersion()
	pepper := h.pepper(version)

	salt := make([]byte, h.params.SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}

	// Add context to prevent hash reuse between different purposes
	contextualData := data + pepper + context

	hash := argon2.IDKey(
		[]byte(contextualData),
		salt,
		h.params.Iterations,
		h.params.Memory,
		h.params.Parallelism,
		h.params.KeyLength,
	)

	return &HashResult{
		Hash:          base64.RawURLEncoding.EncodeToString(hash),
		Salt:          base64.RawURLEncoding.EncodeToString(salt),
		PepperVersion: version,
		Algorithm:     "argon2id-v1",
	}, nil
}

func (h *Hasher) verifyWithPepper(data string, hashResult *HashResult, context string) (bool, error) {
	if hashResult.Algorithm != "" && hashResult.Algorithm != "argon2id-v1" {
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

	computedHash := argon2.IDKey(
		[]byte(contextualData),
		salt,
		h.params.Iterations,
		h.params.Memory,
		h.params.Parallelism,
		uint32(len(expectedHash)),
	)

	// Use constant time comparison to prevent timing attacks
	return subtle.ConstantTimeCompare(computedHash, expectedHash) == 1, nil
}

// getPepper accepts the current version, the retained older ones, and one
// version ahead for a replica whose clock is slightly behind the hasher's.
func (h *Hasher) getPepper(version int) (string, error) {
	current := h.currentVersion()
	if version < 1 || version > current+1 || version < current-retainedPeppers {
		return "", errors.New("pepper version not found")
	}
	return h.pepper(version), nil
}
