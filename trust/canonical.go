package trust

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// signatureField is the message/certificate field stripped before signing.
const signatureField = "signature"

// Canonicalize produces the deterministic byte form of a structured message
// used for signing and verification: the signature field is removed and the
// remaining fields are serialized with keys in lexicographic order
// (encoding/json emits map keys sorted, at every nesting level), so two
// messages with the same logical content always canonicalize identically.
func Canonicalize(message map[string]any) ([]byte, error) {
	body := make(map[string]any, len(message))
	for k, v := range message {
		if k == signatureField {
			continue
		}
		body[k] = v
	}
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("trust: canonicalize: %w", err)
	}
	return data, nil
}

// SignMessage signs a raw byte message with Ed25519 and returns the
// signature in URL-safe base64.
func SignMessage(message []byte, priv ed25519.PrivateKey) (string, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return "", ErrInvalidPrivateKey
	}
	sig := ed25519.Sign(priv, message)
	return base64.RawURLEncoding.EncodeToString(sig), nil
}

// VerifySignature checks a URL-safe base64 Ed25519 signature over a raw
// byte message. Malformed keys or signatures yield false, never an error.
func VerifySignature(message []byte, signature string, pub ed25519.PublicKey) bool {
	if len(pub) != ed25519.PublicKeySize {
		return false
	}
	sig, err := base64.RawURLEncoding.DecodeString(signature)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(pub, message, sig)
}

// SignCADPMessage canonicalizes a structured message and returns a copy
// carrying the resulting signature in its "signature" field. The input map
// is not modified.
func SignCADPMessage(message map[string]any, priv ed25519.PrivateKey) (map[string]any, error) {
	canonical, err := Canonicalize(message)
	if err != nil {
		return nil, err
	}
	sig, err := SignMessage(canonical, priv)
	if err != nil {
		return nil, err
	}

	signed := make(map[string]any, len(message)+1)
	for k, v := range message {
		signed[k] = v
	}
	signed[signatureField] = sig
	return signed, nil
}

// VerifyCADPMessage reads the signature out of a structured message and
// checks it against the canonical form of the remaining fields. A missing
// or non-string signature field is a verification failure, not an error.
func VerifyCADPMessage(message map[string]any, pub ed25519.PublicKey) bool {
	raw, ok := message[signatureField]
	if !ok {
		return false
	}
	sig, ok := raw.(string)
	if !ok {
		return false
	}
	canonical, err := Canonicalize(message)
	if err != nil {
		return false
	}
	return VerifySignature(canonical, sig, pub)
}

// certificateSigningBytes canonicalizes a certificate body the same way
// CADP messages are canonicalized, via its JSON field names.
func certificateSigningBytes(cert *Certificate) ([]byte, error) {
	data, err := json.Marshal(cert)
	if err != nil {
		return nil, fmt.Errorf("trust: marshal certificate: %w", err)
	}
	var body map[string]any
	if err := json.Unmarshal(data, &body); err != nil {
		return nil, fmt.Errorf("trust: unmarshal certificate: %w", err)
	}
	return Canonicalize(body)
}
