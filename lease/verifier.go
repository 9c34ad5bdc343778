package lease

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/minio/sha256-simd"
)

// Sha256Verifier accepts an artifact when the SHA-256 of its content
// matches the task's content hash.
type Sha256Verifier struct{}

func (Sha256Verifier) Verify(ctx context.Context, taskHash, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening artifact: %w", err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return fmt.Errorf("hashing artifact: %w", err)
	}
	sum := hex.EncodeToString(h.Sum(nil))
	if sum != taskHash {
		return fmt.Errorf("content hash %s does not match task hash %s", sum, taskHash)
	}
	return nil
}
