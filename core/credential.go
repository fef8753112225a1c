package core

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Credential is the Verifiable-Credential-shaped envelope used for trust
// bundles, dispatch credentials, and execution receipts alike: a subject
// claim signed by its issuer, with the proof carried as a hex-encoded
// Ed25519 signature over the credential's canonical JSON minus the proof
// field itself.
type Credential struct {
	Context           []string        `json:"@context"`
	ID                string          `json:"id"`
	Type              []string        `json:"type"`
	Issuer            DID             `json:"issuer"`
	IssuanceDate      time.Time       `json:"issuanceDate"`
	CredentialSubject json.RawMessage `json:"credentialSubject"`
	Proof             *Proof          `json:"proof,omitempty"`
}

// Proof is the detached signature block appended once the credential body
// is finalized.
type Proof struct {
	Type               string    `json:"type"`
	Created            time.Time `json:"created"`
	VerificationMethod DID       `json:"verificationMethod"`
	SignatureValue     string    `json:"signatureValue"`
}

// canonicalSubset is what gets signed: every field of Credential except
// Proof, so the signature covers the full claim without covering itself.
type canonicalSubset struct {
	Context           []string        `json:"@context"`
	ID                string          `json:"id"`
	Type              []string        `json:"type"`
	Issuer            DID             `json:"issuer"`
	IssuanceDate      time.Time       `json:"issuanceDate"`
	CredentialSubject json.RawMessage `json:"credentialSubject"`
}

func (c Credential) canonicalBytes() ([]byte, error) {
	sub := canonicalSubset{
		Context:           c.Context,
		ID:                c.ID,
		Type:              c.Type,
		Issuer:            c.Issuer,
		IssuanceDate:      c.IssuanceDate.UTC(),
		CredentialSubject: c.CredentialSubject,
	}
	b, err := json.Marshal(sub)
	if err != nil {
		return nil, newErr(ErrMalformedRequest, nil, fmt.Errorf("marshal credential subset: %w", err))
	}
	return b, nil
}

// NewCredential builds an unsigned credential for subject, tagged with
// credType in addition to the baseline "VerifiableCredential" type.
func NewCredential(credType string, issuer DID, subject any) (Credential, error) {
	raw, err := json.Marshal(subject)
	if err != nil {
		return Credential{}, newErr(ErrMalformedRequest, nil, fmt.Errorf("marshal credential subject: %w", err))
	}
	return Credential{
		Context:           []string{"https://www.w3.org/2018/credentials/v1"},
		ID:                "urn:uuid:" + uuid.NewString(),
		Type:              []string{"VerifiableCredential", credType},
		Issuer:            issuer,
		IssuanceDate:      time.Now().UTC(),
		CredentialSubject: raw,
	}, nil
}

// Sign finalizes cred by attaching a proof signed with kp. kp's DID must
// equal cred.Issuer.
func (c Credential) Sign(kp *KeyPair) (Credential, error) {
	if kp.DID != c.Issuer {
		return Credential{}, newErr(ErrUnauthorized, nil, fmt.Errorf("signing key %s does not match issuer %s", kp.DID, c.Issuer))
	}
	canonical, err := c.canonicalBytes()
	if err != nil {
		return Credential{}, err
	}
	sig := Sign(kp.PrivateKey, canonical)
	c.Proof = &Proof{
		Type:               "Ed25519Signature2020",
		Created:            time.Now().UTC(),
		VerificationMethod: kp.DID,
		SignatureValue:     hex.EncodeToString(sig),
	}
	return c, nil
}

// Verify checks the credential's proof against its issuer's DID.
func (c Credential) Verify() error {
	if c.Proof == nil {
		return newErr(ErrSignatureInvalid, nil, fmt.Errorf("credential %s has no proof", c.ID))
	}
	canonical, err := c.canonicalBytes()
	if err != nil {
		return err
	}
	sig, err := hex.DecodeString(c.Proof.SignatureValue)
	if err != nil {
		return newErr(ErrMalformedRequest, nil, fmt.Errorf("decode proof signature: %w", err))
	}
	return VerifySignature(c.Issuer, canonical, sig)
}

// DecodeSubject unmarshals the credential subject into out.
func (c Credential) DecodeSubject(out any) error {
	if err := json.Unmarshal(c.CredentialSubject, out); err != nil {
		return newErr(ErrMalformedRequest, nil, fmt.Errorf("decode credential subject: %w", err))
	}
	return nil
}
