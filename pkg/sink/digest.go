package sink

import (
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"hash"

	"github.com/i5heu/suit-platform/pkg/suiterr"
)

// DigestAlgorithm uses the COSE algorithm identifiers found in manifests.
type DigestAlgorithm int

const (
	SHA256 DigestAlgorithm = -16
	SHA512 DigestAlgorithm = -44
)

func (a DigestAlgorithm) String() string {
	switch a {
	case SHA256:
		return "sha-256"
	case SHA512:
		return "sha-512"
	}
	return "unknown"
}

// DigestSink hashes everything written to it.
type DigestSink struct {
	alg      DigestAlgorithm
	h        hash.Hash
	released bool
}

// NewDigestSink returns a sink for alg or Unsupported.
func NewDigestSink(alg DigestAlgorithm) (*DigestSink, error) {
	var h hash.Hash
	switch alg {
	case SHA256:
		h = sha256.New()
	case SHA512:
		h = sha512.New()
	default:
		return nil, suiterr.Newf(suiterr.Unsupported, "digest sink open", "algorithm %d", alg)
	}
	return &DigestSink{alg: alg, h: h}, nil
}

func (d *DigestSink) Write(p []byte) error {
	if d.released {
		return suiterr.New(suiterr.Inval, "digest sink write")
	}
	_, _ = d.h.Write(p)
	return nil
}

// Sum returns the digest of the data written so far.
func (d *DigestSink) Sum() []byte {
	return d.h.Sum(nil)
}

// Match compares the digest with expected. A mismatch is Authentication.
func (d *DigestSink) Match(expected []byte) error {
	if d.released {
		return suiterr.New(suiterr.Inval, "digest sink match")
	}
	if subtle.ConstantTimeCompare(d.Sum(), expected) != 1 {
		return suiterr.Newf(suiterr.Authentication, "digest sink match", "%s mismatch", d.alg)
	}
	return nil
}

func (d *DigestSink) Release() error {
	d.released = true
	d.h.Reset()
	return nil
}
