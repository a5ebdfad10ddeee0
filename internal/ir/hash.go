package ir

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Domain prefixes for content hashes. The version suffix allows the hashed
// layout to change without colliding with old digests.
const (
	DomainCheckpointManifest = "phaserun/checkpoint-manifest/v1"
)

// hashWithDomain computes SHA256(domain + 0x00 + data).
// The null byte separator prevents domain/data boundary ambiguity.
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// ManifestDigest computes the digest of a checkpoint manifest.
//
// The manifest is marshaled with MarshalCanonical, so two runs that write
// the same orchestrator state produce the same digest regardless of map
// iteration order.
func ManifestDigest(manifest map[string]any) (string, error) {
	canonical, err := MarshalCanonical(manifest)
	if err != nil {
		return "", fmt.Errorf("ManifestDigest: failed to marshal: %w", err)
	}
	return hashWithDomain(DomainCheckpointManifest, canonical), nil
}
