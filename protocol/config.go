package protocol

import (
	"fmt"
	"time"
)

// FedNetConfig provides the tunable parameters shared by every tier.
// All deployments of one federation must agree on these values.
type FedNetConfig struct {
	// NumFacilities is the number of registered training facilities.
	NumFacilities int `json:"num_facilities" yaml:"num_facilities"`

	// NumFogNodes is the number of fog aggregation nodes, equal to the
	// number of Shamir shares produced per update.
	NumFogNodes int `json:"num_fog_nodes" yaml:"num_fog_nodes"`

	// ShareThreshold is the Shamir reconstruction threshold t. Any t fog
	// partial sums reconstruct the round aggregate.
	ShareThreshold int `json:"share_threshold" yaml:"share_threshold"`

	// CommitteeSize is the number of validators voting on each candidate.
	CommitteeSize int `json:"committee_size" yaml:"committee_size"`

	// MinParticipants is the minimum facility count for a round to collect.
	MinParticipants int `json:"min_participants" yaml:"min_participants"`

	// ModelDimension is the length of the flattened parameter vector.
	ModelDimension int `json:"model_dimension" yaml:"model_dimension"`

	// PowDifficulty is the number of leading zero bits required of a
	// registration proof-of-work hash.
	PowDifficulty uint `json:"pow_difficulty" yaml:"pow_difficulty"`

	// Epsilon and Delta are the differential privacy parameters of the
	// Gaussian mechanism applied by each facility.
	Epsilon float64 `json:"epsilon" yaml:"epsilon"`
	Delta   float64 `json:"delta" yaml:"delta"`

	// ClipNorm bounds the L2 norm of one facility's update before noising.
	ClipNorm float64 `json:"clip_norm" yaml:"clip_norm"`

	// AccessPolicy is the CP-ABE policy the finalized model is encrypted
	// under, in DNF string form.
	AccessPolicy string `json:"access_policy" yaml:"access_policy"`

	// CollectDeadline bounds the Collecting phase: facilities that have
	// not delivered shares to the fog tier by then are dropped.
	CollectDeadline time.Duration `json:"collect_deadline" yaml:"collect_deadline"`

	// ReconstructDeadline bounds how long the leader waits for fog
	// partial sums after Collecting closes.
	ReconstructDeadline time.Duration `json:"reconstruct_deadline" yaml:"reconstruct_deadline"`

	// ValidateDeadline bounds how long the leader waits for committee votes.
	ValidateDeadline time.Duration `json:"validate_deadline" yaml:"validate_deadline"`
}

// DefaultConfig mirrors the smallest deployment the protocol supports:
// four facilities, three fog nodes with threshold two, a committee of three.
func DefaultConfig() *FedNetConfig {
	return &FedNetConfig{
		NumFacilities:       4,
		NumFogNodes:         3,
		ShareThreshold:      2,
		CommitteeSize:       3,
		MinParticipants:     2,
		ModelDimension:      16,
		PowDifficulty:       4,
		Epsilon:             1.0,
		Delta:               1e-5,
		ClipNorm:            1.0,
		AccessPolicy:        "facility AND certified",
		CollectDeadline:     10 * time.Second,
		ReconstructDeadline: 5 * time.Second,
		ValidateDeadline:    5 * time.Second,
	}
}

// Validate checks internal consistency of the configuration.
func (c *FedNetConfig) Validate() error {
	if c.ShareThreshold < 1 || c.ShareThreshold > c.NumFogNodes {
		return fmt.Errorf("share threshold %d out of range for %d fog nodes", c.ShareThreshold, c.NumFogNodes)
	}
	if c.MinParticipants < 1 || c.MinParticipants > c.NumFacilities {
		return fmt.Errorf("min participants %d out of range for %d facilities", c.MinParticipants, c.NumFacilities)
	}
	if c.CommitteeSize < 1 {
		return fmt.Errorf("committee size %d must be positive", c.CommitteeSize)
	}
	if c.ModelDimension < 1 {
		return fmt.Errorf("model dimension %d must be positive", c.ModelDimension)
	}
	if c.Epsilon <= 0 || c.Delta <= 0 || c.Delta >= 1 {
		return fmt.Errorf("invalid privacy parameters epsilon=%v delta=%v", c.Epsilon, c.Delta)
	}
	if c.ClipNorm <= 0 {
		return fmt.Errorf("clip norm %v must be positive", c.ClipNorm)
	}
	if c.PowDifficulty > 64 {
		return fmt.Errorf("pow difficulty %d exceeds the maximum of 64", c.PowDifficulty)
	}
	return nil
}

// VoteQuorum returns the number of accepting votes required to finalize a
// round: more than two thirds of the committee.
func (c *FedNetConfig) VoteQuorum() int {
	return (2*c.CommitteeSize)/3 + 1
}

// FogEvalPoint returns the Shamir evaluation point owned by fog node index
// i (0-based). Point zero is reserved for the secret.
func FogEvalPoint(i int) int64 {
	return int64(i + 1)
}
