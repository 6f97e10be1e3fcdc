// Package crypto provides the cryptographic primitives for the FedShare
// protocol: Ed25519 identities and signatures, prime-field vector arithmetic,
// Shamir secret sharing of parameter vectors, calibrated Gaussian noise for
// differential privacy, proof-of-work registration puzzles, ECIES message
// encryption, and the ciphertext-policy attribute-based encryption contract
// that gates access to the finalized global model.
package crypto
