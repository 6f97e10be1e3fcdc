package protocol

import (
	"crypto/sha256"
	"encoding/hex"
	"math/big"
	"sort"
	"strings"
	"time"

	"github.com/saicha124/fedshareM3/crypto"
)

// ChallengeRequest asks the trusted authority for a one-time registration
// challenge.
type ChallengeRequest struct {
	FacilityID string `json:"facility_id"`
}

// RegistrationChallenge is a one-time proof-of-work puzzle. It is consumed
// on first use.
type RegistrationChallenge struct {
	ChallengeID string    `json:"challenge_id"`
	FacilityID  string    `json:"facility_id"`
	Challenge   string    `json:"challenge"`
	Difficulty  uint      `json:"difficulty"`
	IssuedAt    time.Time `json:"issued_at"`
}

// RegistrationRequest carries a solved challenge plus the facility's keys.
// EncryptionKey is the facility's P-256 public key; the authority encrypts
// the attribute key bundle to it.
type RegistrationRequest struct {
	FacilityID          string           `json:"facility_id"`
	ChallengeID         string           `json:"challenge_id"`
	Nonce               uint64           `json:"nonce"`
	SigningKey          crypto.PublicKey `json:"signing_key"`
	EncryptionKey       []byte           `json:"encryption_key"`
	RequestedAttributes []string         `json:"requested_attributes"`
}

// IssuedIdentity is the authority's record of an admitted participant.
// Facilities present the authority-signed form as their credential.
type IssuedIdentity struct {
	FacilityID string           `json:"facility_id"`
	SigningKey crypto.PublicKey `json:"signing_key"`
	Attributes []string         `json:"attributes"`
	IssuedAt   time.Time        `json:"issued_at"`
}

// RegistrationResponse returns the signed identity and the facility's
// attribute keys, sealed to its encryption key.
type RegistrationResponse struct {
	Identity               *Signed[IssuedIdentity] `json:"identity"`
	EncryptedAttributeKeys []byte                  `json:"encrypted_attribute_keys"`
}

// AttributeKeyBundle is the plaintext of RegistrationResponse's sealed blob.
type AttributeKeyBundle struct {
	Keys map[string][]byte `json:"keys"`
}

// RevocationRequest marks an identity revoked. Only the authority operator
// submits these.
type RevocationRequest struct {
	FacilityID string `json:"facility_id"`
	Reason     string `json:"reason"`
}

// PublicParams exposes everything a new participant needs to bootstrap.
type PublicParams struct {
	AuthorityKey      crypto.PublicKey `json:"authority_key"`
	AttributeUniverse []string         `json:"attribute_universe"`
	PowDifficulty     uint             `json:"pow_difficulty"`
}

// RoundAnnouncement opens a round. The leader sends it to every fog node
// and participating facility.
type RoundAnnouncement struct {
	RoundNumber  int       `json:"round_number"`
	ModelVersion int       `json:"model_version"`
	Participants []string  `json:"participants"`
	Deadline     time.Time `json:"deadline"`
}

// ShareSubmission is one facility's Shamir share vector for one fog node.
// Vector holds field elements; fog index i receives the evaluation at x=i+1.
type ShareSubmission struct {
	RoundNumber int        `json:"round_number"`
	ShareID     string     `json:"share_id"`
	FacilityID  string     `json:"facility_id"`
	FogIndex    int        `json:"fog_index"`
	Vector      []*big.Int `json:"vector"`
}

// FogPartialSum is one fog node's coordinate-wise sum of the share vectors
// it collected, still a valid Shamir share of the summed secret at EvalPoint.
type FogPartialSum struct {
	RoundNumber int        `json:"round_number"`
	FogIndex    int        `json:"fog_index"`
	EvalPoint   int64      `json:"eval_point"`
	Facilities  []string   `json:"facilities"`
	Vector      []*big.Int `json:"vector"`
}

// ParticipantSetDigest identifies which facility subset a partial sum
// covers. Partial sums are only combinable when their digests match.
func ParticipantSetDigest(facilities []string) string {
	sorted := append([]string(nil), facilities...)
	sort.Strings(sorted)
	sum := sha256.Sum256([]byte(strings.Join(sorted, "\x00")))
	return hex.EncodeToString(sum[:])
}

// CandidateAggregate is the reconstructed, decoded aggregate submitted to
// the validator committee before release.
type CandidateAggregate struct {
	RoundNumber      int       `json:"round_number"`
	ModelVersion     int       `json:"model_version"`
	Parameters       []float64 `json:"parameters"`
	ParticipantCount int       `json:"participant_count"`
	Digest           string    `json:"digest"`
}

// AggregateDigest binds a vote to the exact candidate contents.
func AggregateDigest(roundNumber int, parameters []float64) string {
	data, _ := SerializeMessage(&struct {
		Round      int       `json:"round"`
		Parameters []float64 `json:"parameters"`
	}{roundNumber, parameters})
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// ValidationVote is one committee member's verdict on a candidate.
type ValidationVote struct {
	RoundNumber int    `json:"round_number"`
	Digest      string `json:"digest"`
	Accept      bool   `json:"accept"`
	Reason      string `json:"reason,omitempty"`
}

// GlobalModelAnnouncement is the finalized model broadcast, encrypted under
// the round's access policy.
type GlobalModelAnnouncement struct {
	RoundNumber      int                      `json:"round_number"`
	ModelVersion     int                      `json:"model_version"`
	ParticipantCount int                      `json:"participant_count"`
	Ciphertext       *crypto.PolicyCiphertext `json:"ciphertext"`
}
