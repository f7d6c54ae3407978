// Content fingerprinting for duplicate and near-duplicate detection.
//
// Exact fingerprints (normalized text hash, raw media byte hash) key the
// moderation cache. Perceptual image hashes catch near-duplicates that
// survive re-encoding or minor edits, compared by Hamming distance.
package fingerprint

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"image"
	"regexp"
	"strings"

	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/corona10/goimagehash"
)

var nonWordChars = regexp.MustCompile(`[^\pL\pN]+`)

// Lower-cases and collapses all runs of non-letter, non-digit characters to
// a single space, so that trivial punctuation/whitespace edits do not defeat
// exact-duplicate detection.
func NormalizeText(orig string) string {
	return strings.TrimSpace(strings.ToLower(nonWordChars.ReplaceAllString(orig, " ")))
}

// Stable fingerprint of a text body.
func Text(text string) string {
	sum := sha256.Sum256([]byte(NormalizeText(text)))
	return "t1:" + hex.EncodeToString(sum[:])
}

// Stable fingerprint of raw media bytes.
func Bytes(b []byte) string {
	sum := sha256.Sum256(b)
	return "b1:" + hex.EncodeToString(sum[:])
}

// Combined fingerprint for a whole submission: text fingerprint plus the
// byte fingerprints of each media item, order-sensitive. A submission only
// counts as an exact duplicate if every part matches.
func Combined(text string, media [][]byte) string {
	if len(media) == 0 {
		return Text(text)
	}
	var sb strings.Builder
	sb.WriteString(Text(text))
	for _, m := range media {
		sb.WriteString("|")
		sb.WriteString(Bytes(m))
	}
	sum := sha256.Sum256([]byte(sb.String()))
	return "c1:" + hex.EncodeToString(sum[:])
}

// Computes a 64-bit perceptual hash of an encoded image (jpeg/png/gif).
func Perceptual(imgBytes []byte) (uint64, error) {
	img, _, err := image.Decode(bytes.NewReader(imgBytes))
	if err != nil {
		return 0, fmt.Errorf("decoding image for perceptual hash: %w", err)
	}
	h, err := goimagehash.PerceptionHash(img)
	if err != nil {
		return 0, fmt.Errorf("computing perceptual hash: %w", err)
	}
	return h.GetHash(), nil
}

func PerceptualKey(h uint64) string {
	return fmt.Sprintf("p1:%016x", h)
}
