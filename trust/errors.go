package trust

import "errors"

// Trust chain errors.
var (
	// ErrNoKeyPair indicates an operation needs the current keypair but
	// none has been generated yet.
	ErrNoKeyPair = errors.New("trust: no current key pair")

	// ErrPeerNotFound indicates the peer is not in the trust store.
	ErrPeerNotFound = errors.New("trust: peer not found")

	// ErrInvalidPrivateKey indicates a signing key of the wrong size.
	ErrInvalidPrivateKey = errors.New("trust: invalid private key")

	// ErrNilCertificate indicates a nil certificate was passed to a
	// mutator.
	ErrNilCertificate = errors.New("trust: nil certificate")
)
