// Package cmd provides CLI commands for FedShare services.
//
// # Commands
//
// authority: Trusted authority. Admits facilities via proof-of-work
// registration, signs identities, issues attribute keys, and rotates the
// attribute master on revocation.
//
//	go run ./cmd/authority --addr=:7000 --admin-token=admin:secret
//
// leader: Round driver. Opens rounds, reconstructs aggregates from fog
// partial sums, collects committee votes, and broadcasts the encrypted
// global model.
//
//	go run ./cmd/leader --addr=:7001 --topology=topology.yaml --admin-token=admin:secret
//
// fognode: Share collector. Sums the secret shares addressed to its
// evaluation point and forwards the partial sum to the leader.
//
//	go run ./cmd/fognode --addr=:7010 --index=0 --topology=topology.yaml
//
// facility: Hospital node. Trains locally, applies differential privacy,
// and splits updates into shares for the fog tier.
//
//	go run ./cmd/facility --addr=:7020 --id=hospital-a --topology=topology.yaml
//
// validator: Committee member. Checks candidate aggregates and votes.
//
//	go run ./cmd/validator --addr=:7030 --topology=topology.yaml
//
// multiservice: Runs the whole federation in one process with a
// CORS-enabled gateway, for demos and development.
//
//	go run ./cmd/multiservice --base-port=7100 --rounds=3
//
// # Configuration
//
// All commands accept --config for the protocol parameters (counts,
// thresholds, privacy budget, deadlines) and the per-tier commands accept
// --topology for the deployment map:
//
//	authority: "http://localhost:7000"
//	leader: "http://localhost:7001"
//	fog_nodes:
//	  - "http://localhost:7010"
//	  - "http://localhost:7011"
//	  - "http://localhost:7012"
//	facilities:
//	  - id: "hospital-a"
//	    url: "http://localhost:7020"
//	  - id: "hospital-b"
//	    url: "http://localhost:7021"
//	validators:
//	  - "http://localhost:7030"
//	  - "http://localhost:7031"
//	  - "http://localhost:7032"
package cmd
