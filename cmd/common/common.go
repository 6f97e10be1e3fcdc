// Package common provides shared utilities for FedShare CLI commands.
//
// This package contains helper functions used across the standalone service
// binaries (authority, leader, fognode, facility, validator) to reduce code
// duplication:
//
//   - Key loading and generation for Ed25519 signing keys
//   - Protocol configuration loading from YAML files
//   - A built-in demo trainer for facilities without a real training stack
package common

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"

	"golang.org/x/exp/rand"
	"gopkg.in/yaml.v3"

	"github.com/saicha124/fedshareM3/crypto"
	"github.com/saicha124/fedshareM3/facility"
	"github.com/saicha124/fedshareM3/protocol"
	"github.com/saicha124/fedshareM3/services"
)

// LoadOrGenerateSigningKey loads an Ed25519 private key from a hex string,
// or generates a new key pair if hexKey is empty.
func LoadOrGenerateSigningKey(hexKey string) (crypto.PrivateKey, error) {
	if hexKey != "" {
		keyBytes, err := hex.DecodeString(hexKey)
		if err != nil {
			return nil, fmt.Errorf("invalid hex: %w", err)
		}
		return crypto.NewPrivateKeyFromBytes(keyBytes), nil
	}
	_, privKey, err := crypto.GenerateKeyPair()
	return privKey, err
}

// LoadConfig reads the protocol configuration from a YAML file, or returns
// the defaults when path is empty.
func LoadConfig(path string) (*protocol.FedNetConfig, error) {
	cfg := protocol.DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadTopology reads the deployment map and checks it against the protocol
// configuration.
func LoadTopology(path string, cfg *protocol.FedNetConfig) (*services.Topology, error) {
	if path == "" {
		return nil, fmt.Errorf("a topology file is required (--topology)")
	}
	topo, err := services.LoadTopology(path)
	if err != nil {
		return nil, err
	}
	if err := topo.Validate(cfg); err != nil {
		return nil, err
	}
	return topo, nil
}

// DemoTrainer returns a trainer producing a small synthetic gradient. It
// stands in for a real training pipeline in demos and development; the
// update depends on the facility ID so aggregates are distinguishable.
func DemoTrainer(facilityID string, dimension int) facility.Trainer {
	var seed uint64
	for _, c := range facilityID {
		seed = seed*31 + uint64(c)
	}
	return func(ctx context.Context, roundNumber int, globalModel []float64) ([]float64, error) {
		rng := rand.New(rand.NewSource(seed + uint64(roundNumber)))
		update := make([]float64, dimension)
		for i := range update {
			update[i] = (rng.Float64() - 0.5) * 0.1
		}
		return update, nil
	}
}
