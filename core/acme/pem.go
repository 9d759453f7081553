package acme

import (
	"bytes"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"time"
)

const certificateBlockType = "CERTIFICATE"

// SplitBundle splits a full-chain PEM bundle into the leaf certificate and
// the intermediate chain, and parses the leaf's not-after expiry. The first
// certificate block is the leaf; everything after it forms the chain. Fewer
// than two certificate blocks is a fatal format error.
func SplitBundle(fullChain []byte) (leaf, chain []byte, notAfter time.Time, err error) {
	var blocks [][]byte

	rest := fullChain
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type != certificateBlockType {
			continue
		}
		blocks = append(blocks, pem.EncodeToMemory(block))
	}

	if len(blocks) < 2 {
		return nil, nil, time.Time{}, fmt.Errorf("%w: found %d certificate blocks, need at least 2",
			ErrMalformedChain, len(blocks))
	}

	leaf = blocks[0]
	chain = bytes.Join(blocks[1:], nil)

	parsed, parseErr := parseCertificatePEM(leaf)
	if parseErr != nil {
		return nil, nil, time.Time{}, fmt.Errorf("%w: %w", ErrMalformedChain, parseErr)
	}

	return leaf, chain, parsed.NotAfter, nil
}

func parseCertificatePEM(pemBytes []byte) (*x509.Certificate, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}
	return x509.ParseCertificate(block.Bytes)
}
