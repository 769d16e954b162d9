package filetransfer

import (
	"crypto/sha256"
	"encoding/hex"
)

// hashChunk computes the SHA-256 of a chunk and returns it hex-encoded,
// carried on the wire as FILE_DATA's optional CHUNK_HASH header so a
// receiver can fail a corrupt chunk immediately rather than only at
// whole-transfer verification (pkg/hash's Calculate, adapted to operate on
// an in-memory chunk instead of a file path).
func hashChunk(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func verifyChunkHash(data []byte, expectedHex string) bool {
	if expectedHex == "" {
		return true
	}
	return hashChunk(data) == expectedHex
}
