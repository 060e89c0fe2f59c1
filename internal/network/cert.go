package network

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/zeebo/blake3"
)

// newTLSConfig builds the node's TLS identity. There is no CA: every node
// self-signs a certificate over its ed25519 key, chain verification is
// disabled, and VerifyPeerCertificate pins the acceptable leaf shape
// instead. The key inside the certificate IS the peer identity.
func newTLSConfig(privateKey ed25519.PrivateKey) (*tls.Config, error) {
	cert, err := identityCertificate(privateKey)
	if err != nil {
		return nil, err
	}

	return &tls.Config{
		Certificates:          []tls.Certificate{cert},
		ClientAuth:            tls.RequireAnyClientCert,
		InsecureSkipVerify:    true,
		VerifyPeerCertificate: verifyPeerIdentity,
		NextProtos:            []string{alpnProtocol},
	}, nil
}

// identityCertificate self-signs a certificate for the node's key. The
// serial number is derived from the public key, so restarts produce the
// same certificate identity without persisting anything. NotBefore is
// backdated an hour to tolerate peer clock skew.
func identityCertificate(privateKey ed25519.PrivateKey) (tls.Certificate, error) {
	publicKey := privateKey.Public().(ed25519.PublicKey)
	digest := blake3.Sum256(publicKey)

	template := &x509.Certificate{
		SerialNumber: new(big.Int).SetBytes(digest[:16]),
		Subject: pkix.Name{
			CommonName: fmt.Sprintf("quadring-%x", publicKey[:8]),
		},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, template, publicKey, privateKey)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("create certificate: %w", err)
	}

	// The DER goes straight into the tls.Certificate; nothing here needs
	// the PEM detour.
	return tls.Certificate{
		Certificate: [][]byte{certDER},
		PrivateKey:  privateKey,
	}, nil
}

// verifyPeerIdentity runs during the handshake and rejects any peer whose
// leaf certificate does not carry an ed25519 key. Everything else about
// the certificate is irrelevant; the key is the identity.
func verifyPeerIdentity(rawCerts [][]byte, _ [][]*x509.Certificate) error {
	if len(rawCerts) == 0 {
		return errors.New("no peer certificate")
	}

	cert, err := x509.ParseCertificate(rawCerts[0])
	if err != nil {
		return fmt.Errorf("parse peer certificate: %w", err)
	}

	if _, ok := cert.PublicKey.(ed25519.PublicKey); !ok {
		return errors.New("peer certificate does not carry an ed25519 key")
	}

	return nil
}

// peerIdentity extracts the remote key after the handshake has already
// passed verifyPeerIdentity.
func peerIdentity(state tls.ConnectionState) (ed25519.PublicKey, error) {
	if len(state.PeerCertificates) == 0 {
		return nil, errors.New("no peer certificate")
	}

	pubKey, ok := state.PeerCertificates[0].PublicKey.(ed25519.PublicKey)
	if !ok {
		return nil, errors.New("peer certificate does not carry an ed25519 key")
	}

	return pubKey, nil
}
