package pricing

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newKeys(t *testing.T) (ed25519.PublicKey, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	return pub, priv
}

func signed(t *testing.T, table *Table, priv ed25519.PrivateKey) []byte {
	t.Helper()
	env, err := Sign(table, priv, "test")
	require.NoError(t, err)
	data, err := json.Marshal(env)
	require.NoError(t, err)
	return data
}

func TestSignAndOpen(t *testing.T) {
	pub, priv := newKeys(t)

	table, err := OpenEnvelope(signed(t, testTable(), priv), pub, SchemaVersion)
	require.NoError(t, err)
	assert.Equal(t, "2026-10-01", table.Version)
	assert.Equal(t, "test", table.KeyID)
	assert.NotEmpty(t, table.Signature)
	assert.Len(t, table.Models, 3)

	m, err := table.Lookup("gemini", "gemini-2.5-pro")
	require.NoError(t, err)
	require.Len(t, m.Tiers, 1)
	assert.Equal(t, int64(200_000), m.Tiers[0].AtOrAboveTokens)
}

func TestOpenEnvelope_WrongKey(t *testing.T) {
	_, priv := newKeys(t)
	otherPub, _ := newKeys(t)

	_, err := OpenEnvelope(signed(t, testTable(), priv), otherPub, SchemaVersion)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrSignatureInvalid))
}

func TestOpenEnvelope_TamperedPayload(t *testing.T) {
	pub, priv := newKeys(t)

	var env Envelope
	require.NoError(t, json.Unmarshal(signed(t, testTable(), priv), &env))

	payload, err := base64.StdEncoding.DecodeString(env.Payload)
	require.NoError(t, err)
	var raw map[string]any
	require.NoError(t, json.Unmarshal(payload, &raw))
	raw["version"] = "forged"
	payload, err = json.Marshal(raw)
	require.NoError(t, err)
	env.Payload = base64.StdEncoding.EncodeToString(payload)

	data, err := json.Marshal(env)
	require.NoError(t, err)
	_, err = OpenEnvelope(data, pub, SchemaVersion)
	assert.True(t, errors.Is(err, ErrSignatureInvalid))
}

func TestOpenEnvelope_SchemaMismatch(t *testing.T) {
	pub, priv := newKeys(t)
	table := testTable()
	table.SchemaVersion = 2

	_, err := OpenEnvelope(signed(t, table, priv), pub, SchemaVersion)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrSchemaMismatch))
}

func TestOpenEnvelope_Malformed(t *testing.T) {
	pub, _ := newKeys(t)

	tests := []struct {
		name string
		data string
		want error
	}{
		{"not json", "{", ErrInvalidTable},
		{"missing signature", `{"schema_version":1,"payload":"e30="}`, ErrSignatureInvalid},
		{"missing schema", `{"payload":"e30=","signature":"AAAA"}`, ErrSchemaMismatch},
		{"bad signature encoding", `{"schema_version":1,"payload":"e30=","signature":"!!!"}`, ErrSignatureInvalid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := OpenEnvelope([]byte(tt.data), pub, SchemaVersion)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
		})
	}
}

func TestOpenEnvelope_NoKey(t *testing.T) {
	_, priv := newKeys(t)
	_, err := OpenEnvelope(signed(t, testTable(), priv), nil, SchemaVersion)
	assert.True(t, errors.Is(err, ErrSignatureInvalid))
}

func TestSign_RejectsInvalidTable(t *testing.T) {
	_, priv := newKeys(t)
	table := testTable()
	table.Models = nil
	_, err := Sign(table, priv, "test")
	assert.True(t, errors.Is(err, ErrInvalidTable))
}

func TestKeyRoundTrip(t *testing.T) {
	pub, priv := newKeys(t)

	gotPub, err := ParsePublicKey(EncodePublicKey(pub))
	require.NoError(t, err)
	assert.Equal(t, pub, gotPub)

	gotPriv, err := ParsePrivateKey(EncodePrivateKey(priv))
	require.NoError(t, err)
	assert.Equal(t, priv, gotPriv)

	_, err = ParsePublicKey([]byte("not a pem"))
	assert.Error(t, err)
	_, err = ParsePublicKey(EncodePrivateKey(priv))
	assert.Error(t, err, "a private key is not a public key")
}
