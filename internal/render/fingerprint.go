package render

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"

	"github.com/bobarin/reelworks/internal/models"
)

// Fingerprint hashes the normalized generation parameters. Requests that
// would produce the same video share a fingerprint.
func Fingerprint(req models.PredictRequest) string {
	parts := []string{
		strings.Join(strings.Fields(req.Prompt), " "),
		strings.ToLower(strings.TrimSpace(req.Model)),
		strings.ToLower(strings.TrimSpace(req.AspectRatio)),
		strings.ToLower(strings.TrimSpace(req.Resolution)),
		strconv.Itoa(req.DurationSeconds),
		strconv.Itoa(req.SampleCount),
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "\x1f")))
	return hex.EncodeToString(sum[:])
}
