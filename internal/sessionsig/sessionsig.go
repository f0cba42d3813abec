// Package sessionsig issues and verifies the public form of session ids.
// The id handed to clients is a compact JWS over the internal session id and
// owning user, so a forged or truncated id fails verification before any
// store lookup happens.
package sessionsig

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"fmt"

	jose "github.com/go-jose/go-jose/v4"
)

// SignerVerifier provides the minimal JWS operations the session manager
// needs.
type SignerVerifier interface {
	// Sign returns a compact JWS for the given payload using the active key.
	Sign(payload []byte) (string, error)
	// Verify parses and verifies a compact JWS and returns its payload and
	// the kid used.
	Verify(token string) (payload []byte, kid string, err error)
}

// Claims is the payload bound into a public session id.
type Claims struct {
	SessionID string `json:"sid"`
	UserID    string `json:"uid"`
}

// Encode signs claims into a public session id.
func Encode(sv SignerVerifier, c Claims) (string, error) {
	raw, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("encode session claims: %w", err)
	}
	return sv.Sign(raw)
}

// Decode verifies a public session id and returns its claims.
func Decode(sv SignerVerifier, token string) (Claims, error) {
	raw, _, err := sv.Verify(token)
	if err != nil {
		return Claims{}, err
	}
	var c Claims
	if err := json.Unmarshal(raw, &c); err != nil {
		return Claims{}, fmt.Errorf("decode session claims: %w", err)
	}
	return c, nil
}

// Memory implements SignerVerifier using an in-memory set of Ed25519 keys
// with a designated active key for signing.
type Memory struct {
	activeKid string
	privKeys  map[string]ed25519.PrivateKey
	pubKeys   map[string]ed25519.PublicKey
}

func NewMemory() *Memory {
	return &Memory{
		privKeys: make(map[string]ed25519.PrivateKey),
		pubKeys:  make(map[string]ed25519.PublicKey),
	}
}

// NewEphemeral returns a Memory signer with a single generated key already
// active. Sessions signed with it do not survive a process restart; share
// key material across instances for durable deployments.
func NewEphemeral() (*Memory, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate session key: %w", err)
	}
	m := NewMemory()
	m.AddEd25519Key("k1", priv)
	if err := m.SetActive("k1"); err != nil {
		return nil, err
	}
	return m, nil
}

// AddEd25519Key registers a key pair under kid. The active key is unchanged.
func (m *Memory) AddEd25519Key(kid string, priv ed25519.PrivateKey) {
	m.privKeys[kid] = priv
	m.pubKeys[kid] = priv.Public().(ed25519.PublicKey)
}

// SetActive selects the key used for signing.
func (m *Memory) SetActive(kid string) error {
	if _, ok := m.privKeys[kid]; !ok {
		return fmt.Errorf("unknown kid: %s", kid)
	}
	m.activeKid = kid
	return nil
}

func (m *Memory) ActiveKID() string { return m.activeKid }

func (m *Memory) Sign(payload []byte) (string, error) {
	if m.activeKid == "" {
		return "", fmt.Errorf("no active kid configured")
	}
	priv, ok := m.privKeys[m.activeKid]
	if !ok {
		return "", fmt.Errorf("active kid not found: %s", m.activeKid)
	}
	opts := (&jose.SignerOptions{}).WithType("JWT").WithHeader("kid", m.activeKid)
	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.EdDSA, Key: priv}, opts)
	if err != nil {
		return "", fmt.Errorf("failed to create signer: %w", err)
	}
	jws, err := signer.Sign(payload)
	if err != nil {
		return "", fmt.Errorf("failed to sign payload: %w", err)
	}
	compact, err := jws.CompactSerialize()
	if err != nil {
		return "", fmt.Errorf("failed to serialize jws: %w", err)
	}
	return compact, nil
}

func (m *Memory) Verify(token string) ([]byte, string, error) {
	jws, err := jose.ParseSigned(token, []jose.SignatureAlgorithm{jose.EdDSA})
	if err != nil {
		return nil, "", fmt.Errorf("failed to parse jws: %w", err)
	}
	if len(jws.Signatures) != 1 {
		return nil, "", fmt.Errorf("unexpected signatures: %d", len(jws.Signatures))
	}
	kid := jws.Signatures[0].Protected.KeyID
	pub, ok := m.pubKeys[kid]
	if !ok {
		return nil, kid, fmt.Errorf("unknown kid: %s", kid)
	}
	payload, err := jws.Verify(pub)
	if err != nil {
		return nil, kid, fmt.Errorf("signature verification failed: %w", err)
	}
	return payload, kid, nil
}
