package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"golang.org/x/crypto/hkdf"
)

// ErrPolicyNotSatisfied is returned when a facility's attribute keys do not
// cover any clause of a ciphertext's access policy.
var ErrPolicyNotSatisfied = errors.New("attribute keys do not satisfy the access policy")

// AccessPolicy is a disjunction of conjunctive clauses over attribute names.
// "region:north AND certified OR admin" parses to two clauses; holding every
// attribute of any one clause grants access.
type AccessPolicy struct {
	Clauses [][]string
}

// ParsePolicy parses a policy string in disjunctive normal form. OR binds
// looser than AND. Attribute names are case-sensitive.
func ParsePolicy(s string) (AccessPolicy, error) {
	var policy AccessPolicy
	for _, clause := range strings.Split(s, " OR ") {
		var attrs []string
		for _, attr := range strings.Split(clause, " AND ") {
			attr = strings.TrimSpace(attr)
			if attr == "" {
				return AccessPolicy{}, fmt.Errorf("empty attribute in policy %q", s)
			}
			attrs = append(attrs, attr)
		}
		policy.Clauses = append(policy.Clauses, attrs)
	}
	if len(policy.Clauses) == 0 {
		return AccessPolicy{}, errors.New("empty policy")
	}
	return policy, nil
}

// String renders the policy back into its DNF string form.
func (p AccessPolicy) String() string {
	clauses := make([]string, len(p.Clauses))
	for i, c := range p.Clauses {
		clauses[i] = strings.Join(c, " AND ")
	}
	return strings.Join(clauses, " OR ")
}

// SatisfiedBy reports whether the given attribute set covers at least one
// clause.
func (p AccessPolicy) SatisfiedBy(attrs []string) bool {
	have := make(map[string]bool, len(attrs))
	for _, a := range attrs {
		have[a] = true
	}
	for _, clause := range p.Clauses {
		ok := true
		for _, a := range clause {
			if !have[a] {
				ok = false
				break
			}
		}
		if ok {
			return true
		}
	}
	return false
}

// DeriveAttributeKey derives the secret key for one attribute from the
// authority's master secret. Deterministic, so the authority can re-derive
// keys for any attribute without storing them.
func DeriveAttributeKey(master []byte, attr string) (AttributeKey, error) {
	r := hkdf.New(sha256.New, master, nil, []byte("fedshare-attr:"+attr))
	key := make([]byte, aesKeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, err
	}
	return AttributeKey(key), nil
}

// clauseKEK derives the key-encryption key for one AND-clause from the
// clause's attribute keys. Sorting makes the derivation independent of
// attribute order in the policy string.
func clauseKEK(clause []string, keyFor func(string) (AttributeKey, error)) ([]byte, error) {
	sorted := append([]string(nil), clause...)
	sort.Strings(sorted)
	material := make([]byte, 0, len(sorted)*aesKeySize)
	for _, attr := range sorted {
		k, err := keyFor(attr)
		if err != nil {
			return nil, err
		}
		material = append(material, k...)
	}
	r := hkdf.New(sha256.New, material, nil, []byte("fedshare-clause-kek"))
	kek := make([]byte, aesKeySize)
	if _, err := io.ReadFull(r, kek); err != nil {
		return nil, err
	}
	return kek, nil
}

// PolicyEncryptionKey is the encryption-side material for one access
// policy: the KEK of every clause. The authority derives it from the master
// secret and hands it to the leader, which can then encrypt models under
// the policy without ever holding the master or any attribute key.
type PolicyEncryptionKey struct {
	Policy     string   `json:"policy"`
	ClauseKEKs [][]byte `json:"clause_keks"`
}

// DerivePolicyEncryptionKey derives the per-clause KEKs for policy from the
// master secret.
func DerivePolicyEncryptionKey(master []byte, policy AccessPolicy) (*PolicyEncryptionKey, error) {
	keyFor := func(attr string) (AttributeKey, error) {
		return DeriveAttributeKey(master, attr)
	}
	pek := &PolicyEncryptionKey{Policy: policy.String()}
	for _, clause := range policy.Clauses {
		kek, err := clauseKEK(clause, keyFor)
		if err != nil {
			return nil, err
		}
		pek.ClauseKEKs = append(pek.ClauseKEKs, kek)
	}
	return pek, nil
}

// WrappedKey is the content key sealed under one clause's KEK.
type WrappedKey struct {
	Nonce  []byte `json:"nonce"`
	Sealed []byte `json:"sealed"`
}

// PolicyCiphertext is a payload encrypted under an access policy. The
// content key is wrapped once per clause; any satisfied clause unwraps it.
type PolicyCiphertext struct {
	Policy      string       `json:"policy"`
	Nonce       []byte       `json:"nonce"`
	Sealed      []byte       `json:"sealed"`
	WrappedKeys []WrappedKey `json:"wrapped_keys"`
}

// EncryptWithPolicyKey encrypts plaintext so that only holders of attribute
// keys satisfying the policy baked into pek can decrypt.
func EncryptWithPolicyKey(pek *PolicyEncryptionKey, plaintext []byte) (*PolicyCiphertext, error) {
	contentKey := make([]byte, aesKeySize)
	if _, err := rand.Read(contentKey); err != nil {
		return nil, err
	}
	aead, err := newGCM(contentKey)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	ct := &PolicyCiphertext{
		Policy: pek.Policy,
		Nonce:  nonce,
		Sealed: aead.Seal(nil, nonce, plaintext, nil),
	}

	for _, kek := range pek.ClauseKEKs {
		wrapAEAD, err := newGCM(kek)
		if err != nil {
			return nil, err
		}
		wrapNonce := make([]byte, wrapAEAD.NonceSize())
		if _, err := rand.Read(wrapNonce); err != nil {
			return nil, err
		}
		ct.WrappedKeys = append(ct.WrappedKeys, WrappedKey{
			Nonce:  wrapNonce,
			Sealed: wrapAEAD.Seal(nil, wrapNonce, contentKey, nil),
		})
	}
	return ct, nil
}

// EncryptWithPolicy encrypts plaintext under policy directly from the
// master secret.
func EncryptWithPolicy(master []byte, policy AccessPolicy, plaintext []byte) (*PolicyCiphertext, error) {
	pek, err := DerivePolicyEncryptionKey(master, policy)
	if err != nil {
		return nil, err
	}
	return EncryptWithPolicyKey(pek, plaintext)
}

// DecryptWithAttributes attempts decryption with the given attribute keys,
// trying each clause whose attributes are all present.
func DecryptWithAttributes(ct *PolicyCiphertext, keys map[string]AttributeKey) ([]byte, error) {
	policy, err := ParsePolicy(ct.Policy)
	if err != nil {
		return nil, err
	}
	if len(ct.WrappedKeys) != len(policy.Clauses) {
		return nil, errors.New("wrapped key count does not match policy clauses")
	}
	keyFor := func(attr string) (AttributeKey, error) {
		k, ok := keys[attr]
		if !ok {
			return nil, fmt.Errorf("missing attribute key %q", attr)
		}
		return k, nil
	}
	for i, clause := range policy.Clauses {
		kek, err := clauseKEK(clause, keyFor)
		if err != nil {
			continue
		}
		wrapAEAD, err := newGCM(kek)
		if err != nil {
			continue
		}
		contentKey, err := wrapAEAD.Open(nil, ct.WrappedKeys[i].Nonce, ct.WrappedKeys[i].Sealed, nil)
		if err != nil {
			continue
		}
		aead, err := newGCM(contentKey)
		if err != nil {
			continue
		}
		plaintext, err := aead.Open(nil, ct.Nonce, ct.Sealed, nil)
		if err != nil {
			continue
		}
		return plaintext, nil
	}
	return nil, ErrPolicyNotSatisfied
}
