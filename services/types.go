// Package services provides the HTTP layer of FedShare: one server per
// tier wrapping its protocol core, a retrying JSON client, static topology
// configuration, identity stores, and an in-process orchestrator for demos
// and tests.
package services

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/saicha124/fedshareM3/protocol"
)

// FacilityEndpoint names one facility and where to reach it.
type FacilityEndpoint struct {
	ID  string `yaml:"id" json:"id"`
	URL string `yaml:"url" json:"url"`
}

// Topology is the static deployment map every service receives. It
// replaces any notion of well-known ports: all addresses are explicit.
type Topology struct {
	AuthorityURL  string             `yaml:"authority" json:"authority"`
	LeaderURL     string             `yaml:"leader" json:"leader"`
	FogURLs       []string           `yaml:"fog_nodes" json:"fog_nodes"`
	Facilities    []FacilityEndpoint `yaml:"facilities" json:"facilities"`
	ValidatorURLs []string           `yaml:"validators" json:"validators"`
}

// LoadTopology reads a topology YAML file.
func LoadTopology(path string) (*Topology, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read topology: %w", err)
	}
	var topo Topology
	if err := yaml.Unmarshal(data, &topo); err != nil {
		return nil, fmt.Errorf("parse topology: %w", err)
	}
	return &topo, nil
}

// Validate checks the topology against the protocol configuration.
func (t *Topology) Validate(cfg *protocol.FedNetConfig) error {
	if len(t.FogURLs) != cfg.NumFogNodes {
		return fmt.Errorf("topology lists %d fog nodes, config expects %d", len(t.FogURLs), cfg.NumFogNodes)
	}
	if len(t.ValidatorURLs) != cfg.CommitteeSize {
		return fmt.Errorf("topology lists %d validators, config expects %d", len(t.ValidatorURLs), cfg.CommitteeSize)
	}
	if len(t.Facilities) < cfg.MinParticipants {
		return fmt.Errorf("topology lists %d facilities, below the minimum of %d", len(t.Facilities), cfg.MinParticipants)
	}
	return nil
}

// FacilityURL returns the endpoint for a facility ID.
func (t *Topology) FacilityURL(id string) (string, bool) {
	for _, f := range t.Facilities {
		if f.ID == id {
			return f.URL, true
		}
	}
	return "", false
}

// StatusResponse is the common shape of every tier's /status endpoint.
// Tier-specific fields are optional.
type StatusResponse struct {
	Service      string                `json:"service"`
	PublicKey    string                `json:"public_key,omitempty"`
	CurrentRound int                   `json:"current_round"`
	ModelVersion int                   `json:"model_version,omitempty"`
	FogIndex     int                   `json:"fog_index,omitempty"`
	FacilityID   string                `json:"facility_id,omitempty"`
	Registered   bool                  `json:"registered,omitempty"`
	QueueDepth   int                   `json:"queue_depth,omitempty"`
	Round        *protocol.RoundStatus `json:"round,omitempty"`
}

// StartRoundRequest optionally pins the participant set for a round. When
// empty the leader runs the readiness handshake over the topology.
type StartRoundRequest struct {
	Participants []string `json:"participants,omitempty"`
}

// SealedKeysResponse carries a re-sealed attribute key bundle.
type SealedKeysResponse struct {
	EncryptedAttributeKeys []byte `json:"encrypted_attribute_keys"`
}

// parseAdminToken splits a "user:pass" admin token for basic auth.
func parseAdminToken(token string) (user, pass string) {
	idx := strings.Index(token, ":")
	if idx < 0 {
		return token, ""
	}
	return token[:idx], token[idx+1:]
}
