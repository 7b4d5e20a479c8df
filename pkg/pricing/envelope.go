package pricing

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Envelope is the signed wire format for remote price tables. Payload is the
// base64 encoding of the table JSON and Signature is the base64 Ed25519
// signature over the decoded payload bytes.
type Envelope struct {
	SchemaVersion int    `json:"schema_version"`
	KeyID         string `json:"key_id,omitempty"`
	Payload       string `json:"payload"`
	Signature     string `json:"signature"`
}

// Sign serializes t and signs it with key.
func Sign(t *Table, key ed25519.PrivateKey, keyID string) (*Envelope, error) {
	if len(key) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("invalid private key size %d", len(key))
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}

	payload, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal table: %w", err)
	}

	return &Envelope{
		SchemaVersion: t.SchemaVersion,
		KeyID:         keyID,
		Payload:       base64.StdEncoding.EncodeToString(payload),
		Signature:     base64.StdEncoding.EncodeToString(ed25519.Sign(key, payload)),
	}, nil
}

// OpenEnvelope verifies a signed envelope and returns the validated table.
// The signature is checked before anything in the payload is trusted; then
// both the envelope's and the table's schema versions must equal
// expectedSchema.
func OpenEnvelope(data []byte, pub ed25519.PublicKey, expectedSchema int) (*Table, error) {
	if len(pub) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: no valid public key configured", ErrSignatureInvalid)
	}

	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: malformed envelope: %v", ErrInvalidTable, err)
	}
	if env.Payload == "" || env.Signature == "" {
		return nil, fmt.Errorf("%w: envelope missing payload or signature", ErrSignatureInvalid)
	}
	if env.SchemaVersion == 0 {
		return nil, fmt.Errorf("%w: envelope missing schema_version", ErrSchemaMismatch)
	}

	payload, err := base64.StdEncoding.DecodeString(env.Payload)
	if err != nil {
		return nil, fmt.Errorf("%w: payload is not base64: %v", ErrInvalidTable, err)
	}
	sig, err := base64.StdEncoding.DecodeString(env.Signature)
	if err != nil {
		return nil, fmt.Errorf("%w: signature is not base64", ErrSignatureInvalid)
	}
	if !ed25519.Verify(pub, payload, sig) {
		return nil, ErrSignatureInvalid
	}

	if expectedSchema != 0 && env.SchemaVersion != expectedSchema {
		return nil, fmt.Errorf("%w: envelope declares %d, engine expects %d",
			ErrSchemaMismatch, env.SchemaVersion, expectedSchema)
	}

	t := &Table{}
	if err := json.Unmarshal(payload, t); err != nil {
		return nil, fmt.Errorf("%w: malformed payload: %v", ErrInvalidTable, err)
	}
	if t.SchemaVersion != env.SchemaVersion {
		return nil, fmt.Errorf("%w: payload declares %d, envelope declares %d",
			ErrSchemaMismatch, t.SchemaVersion, env.SchemaVersion)
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}

	t.Signature = sig
	t.KeyID = env.KeyID
	t.PublicKey = pub
	return t, nil
}
