package blocklist

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/kodax/payment-router/internal/domain/model"
)

// FingerprintValue hashes a raw instrument attribute into the non-reversible
// form stored in blocklist entries. Raw card numbers and emails never touch
// the blocklist tables.
func FingerprintValue(raw string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(strings.ToLower(raw))))
	return hex.EncodeToString(sum[:])
}

// CandidateInput carries the request attributes fingerprints are derived
// from. Zero-value fields produce no candidate.
type CandidateInput struct {
	CardNumber string
	Email      string
	IP         string
}

// DeriveCandidates builds the fingerprint set for one inbound request.
func DeriveCandidates(in CandidateInput) []model.Fingerprint {
	var candidates []model.Fingerprint
	if in.CardNumber != "" {
		candidates = append(candidates, model.Fingerprint{
			Kind:  model.FingerprintCardNumber,
			Value: FingerprintValue(in.CardNumber),
		})
	}
	if in.Email != "" {
		candidates = append(candidates, model.Fingerprint{
			Kind:  model.FingerprintEmail,
			Value: FingerprintValue(in.Email),
		})
	}
	if in.IP != "" {
		candidates = append(candidates, model.Fingerprint{
			Kind:  model.FingerprintIP,
			Value: FingerprintValue(in.IP),
		})
	}
	return candidates
}
