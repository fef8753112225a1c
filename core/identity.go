package core

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"strings"

	"github.com/ipfs/go-cid"
	mb "github.com/multiformats/go-multibase"
	mh "github.com/multiformats/go-multihash"
	"github.com/multiformats/go-varint"
)

// multicodecEd25519Pub is the multicodec tag for an Ed25519 public key, used
// to build self-certifying did:key identifiers.
const multicodecEd25519Pub = 0xed

// DID is a self-certifying decentralized identifier of the form
// "did:key:z...", recoverable to an Ed25519 public key without a registry.
type DID string

func (d DID) String() string { return string(d) }

// CID wraps github.com/ipfs/go-cid's content identifier so every package in
// this module can refer to one type regardless of the underlying codec.
type CID struct {
	cid.Cid
}

func (c CID) String() string {
	if !c.Cid.Defined() {
		return ""
	}
	return c.Cid.String()
}

// ParseCID decodes a CID from its string form.
func ParseCID(s string) (CID, error) {
	parsed, err := cid.Decode(s)
	if err != nil {
		return CID{}, newErr(ErrMalformedRequest, nil, fmt.Errorf("parse cid: %w", err))
	}
	return CID{parsed}, nil
}

// ComputeCID hashes canonical bytes with SHA2-256 and wraps the digest in a
// raw-codec CIDv1, the same construction storage.go's Pin used for pinned
// blobs.
func ComputeCID(canonical []byte) (CID, error) {
	digest, err := mh.Sum(canonical, mh.SHA2_256, -1)
	if err != nil {
		return CID{}, newErr(ErrStorageError, nil, fmt.Errorf("hash canonical bytes: %w", err))
	}
	return CID{cid.NewCidV1(cid.Raw, digest)}, nil
}

// KeyPair holds an Ed25519 signing key and the DID derived from its public
// half.
type KeyPair struct {
	DID        DID
	PublicKey  ed25519.PublicKey
	PrivateKey ed25519.PrivateKey
}

// GenerateKeyPair creates a fresh Ed25519 identity.
func GenerateKeyPair() (*KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, newErr(ErrStorageError, nil, fmt.Errorf("generate key: %w", err))
	}
	did, err := DIDFromPublicKey(pub)
	if err != nil {
		return nil, err
	}
	return &KeyPair{DID: did, PublicKey: pub, PrivateKey: priv}, nil
}

// KeyPairFromPrivateKey rebuilds a KeyPair from a persisted raw Ed25519
// private key, the format loadOrCreateKeyPair in cmd/fednode writes to disk.
func KeyPairFromPrivateKey(raw []byte) (*KeyPair, error) {
	if len(raw) != ed25519.PrivateKeySize {
		return nil, newErr(ErrMalformedRequest, nil, fmt.Errorf("ed25519 private key must be %d bytes, got %d", ed25519.PrivateKeySize, len(raw)))
	}
	priv := ed25519.PrivateKey(raw)
	pub := priv.Public().(ed25519.PublicKey)
	did, err := DIDFromPublicKey(pub)
	if err != nil {
		return nil, err
	}
	return &KeyPair{DID: did, PublicKey: pub, PrivateKey: priv}, nil
}

// DIDFromPublicKey builds a did:key identifier from a raw Ed25519 public key.
func DIDFromPublicKey(pub ed25519.PublicKey) (DID, error) {
	if len(pub) != ed25519.PublicKeySize {
		return "", newErr(ErrMalformedRequest, nil, fmt.Errorf("ed25519 public key must be %d bytes, got %d", ed25519.PublicKeySize, len(pub)))
	}
	prefixed := append(varint.ToUvarint(multicodecEd25519Pub), pub...)
	encoded, err := mb.Encode(mb.Base58BTC, prefixed)
	if err != nil {
		return "", newErr(ErrStorageError, nil, fmt.Errorf("multibase encode: %w", err))
	}
	return DID("did:key:" + encoded), nil
}

// PublicKeyFromDID recovers the Ed25519 public key embedded in a did:key
// identifier, failing if the DID was not constructed by this module.
func PublicKeyFromDID(did DID) (ed25519.PublicKey, error) {
	s := string(did)
	const prefix = "did:key:"
	if !strings.HasPrefix(s, prefix) {
		return nil, newErr(ErrMalformedRequest, nil, fmt.Errorf("not a did:key identifier: %q", s))
	}
	_, data, err := mb.Decode(s[len(prefix):])
	if err != nil {
		return nil, newErr(ErrMalformedRequest, nil, fmt.Errorf("multibase decode: %w", err))
	}
	code, n, err := varint.FromUvarint(data)
	if err != nil {
		return nil, newErr(ErrMalformedRequest, nil, fmt.Errorf("varint decode: %w", err))
	}
	if code != multicodecEd25519Pub {
		return nil, newErr(ErrMalformedRequest, nil, fmt.Errorf("unsupported did:key codec 0x%x", code))
	}
	pub := data[n:]
	if len(pub) != ed25519.PublicKeySize {
		return nil, newErr(ErrMalformedRequest, nil, fmt.Errorf("embedded key has wrong length: %d", len(pub)))
	}
	return ed25519.PublicKey(pub), nil
}

// Sign produces a raw Ed25519 signature over canonical bytes.
func Sign(priv ed25519.PrivateKey, canonical []byte) []byte {
	return ed25519.Sign(priv, canonical)
}

// VerifySignature checks a raw Ed25519 signature against the public key
// embedded in did. Returns a *CodedError with kind SignatureInvalid on any
// failure, including a malformed DID.
func VerifySignature(did DID, canonical, sig []byte) error {
	pub, err := PublicKeyFromDID(did)
	if err != nil {
		return newErr(ErrSignatureInvalid, nil, fmt.Errorf("recover key from did: %w", err))
	}
	if !ed25519.Verify(pub, canonical, sig) {
		return newErr(ErrSignatureInvalid, nil, fmt.Errorf("signature does not verify for %s", did))
	}
	return nil
}
