package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"math/big"
)

// ErrPowExhausted is returned when no nonce below the search bound satisfies
// the difficulty target. In practice this only happens with an absurd
// difficulty setting.
var ErrPowExhausted = errors.New("proof-of-work search space exhausted")

// NewPowChallenge generates a fresh random challenge string for one
// registration attempt.
func NewPowChallenge() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// powTarget returns 2^(256-difficulty), the exclusive upper bound on
// acceptable hash values.
func powTarget(difficulty uint) *big.Int {
	return new(big.Int).Lsh(big.NewInt(1), 256-difficulty)
}

func powHash(subjectID, challenge string, nonce uint64) []byte {
	var nb [8]byte
	binary.BigEndian.PutUint64(nb[:], nonce)
	h := sha256.New()
	h.Write([]byte(subjectID))
	h.Write([]byte(challenge))
	h.Write(nb[:])
	return h.Sum(nil)
}

// VerifyPow reports whether nonce solves the registration puzzle for the
// given subject and challenge at the given difficulty (leading zero bits).
func VerifyPow(subjectID, challenge string, nonce uint64, difficulty uint) bool {
	if difficulty == 0 {
		return true
	}
	if difficulty > 255 {
		return false
	}
	digest := new(big.Int).SetBytes(powHash(subjectID, challenge, nonce))
	return digest.Cmp(powTarget(difficulty)) < 0
}

// SolvePow searches for a nonce satisfying the difficulty target. Expected
// work is 2^difficulty hash evaluations.
func SolvePow(subjectID, challenge string, difficulty uint) (uint64, error) {
	if difficulty > 32 {
		return 0, ErrPowExhausted
	}
	for nonce := uint64(0); nonce < 1<<40; nonce++ {
		if VerifyPow(subjectID, challenge, nonce, difficulty) {
			return nonce, nil
		}
	}
	return 0, ErrPowExhausted
}
