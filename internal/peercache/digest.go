package peercache

import (
	"github.com/opencontainers/go-digest"

	"github.com/nodeweave/nodeweave/internal/peercrypt"
)

// digestAlgorithm maps a wire HashAlgo onto go-digest's Algorithm so cache
// filenames and index entries use the same Digest type the teacher's blob
// store does (§3 "Cached file").
func digestAlgorithm(algo peercrypt.HashAlgo) digest.Algorithm {
	switch algo {
	case peercrypt.HashSHA256:
		return digest.SHA256
	case peercrypt.HashSHA1:
		return digest.Algorithm("sha1")
	case peercrypt.HashMD5:
		return digest.Algorithm("md5")
	default:
		return digest.Algorithm("unknown")
	}
}

// buildDigest hex-encodes sum under algo's go-digest Algorithm tag.
func buildDigest(algo peercrypt.HashAlgo, sum []byte) digest.Digest {
	return digest.NewDigestFromBytes(digestAlgorithm(algo), sum)
}
