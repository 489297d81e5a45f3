/**
 * Fingerprint - content keys for the recognition cache
 *
 * The perceptual key survives re-encoding and small pixel noise: the page is
 * reduced to a 32x32 grayscale thumbnail, each pixel becomes one bit
 * (brighter than the mean or not), and the 1024-character bit string is
 * hashed with MD5. The exact key is MD5 over the raw file bytes.
 */

package fingerprint

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"image"

	"golang.org/x/image/draw"
)

// Size is the thumbnail edge length in pixels
const Size = 32

// Fingerprint is a 128-bit content key
type Fingerprint [md5.Size]byte

// String returns the lowercase hex form used as the cache key
func (f Fingerprint) String() string {
	return hex.EncodeToString(f[:])
}

// IsZero reports whether f is the zero value
func (f Fingerprint) IsZero() bool {
	return f == Fingerprint{}
}

// Parse reads the hex form produced by String
func Parse(s string) (Fingerprint, error) {
	var f Fingerprint
	b, err := hex.DecodeString(s)
	if err != nil {
		return f, fmt.Errorf("invalid fingerprint %q: %w", s, err)
	}
	if len(b) != len(f) {
		return f, fmt.Errorf("invalid fingerprint %q: want %d bytes, got %d", s, len(f), len(b))
	}
	copy(f[:], b)
	return f, nil
}

// Policy selects how fingerprints are derived
type Policy string

const (
	// PolicyPerceptual keys on the average-hash bit string (default)
	PolicyPerceptual Policy = "perceptual"
	// PolicyExact keys on the raw file bytes
	PolicyExact Policy = "exact"
)

// ParsePolicy validates a policy name; empty selects the default
func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case "", PolicyPerceptual:
		return PolicyPerceptual, nil
	case PolicyExact:
		return PolicyExact, nil
	}
	return "", fmt.Errorf("unknown fingerprint policy %q", s)
}

// Bits returns the 32x32 average-hash bits of img in row-major order
func Bits(img image.Image) []bool {
	thumb := image.NewGray(image.Rect(0, 0, Size, Size))
	draw.BiLinear.Scale(thumb, thumb.Bounds(), img, img.Bounds(), draw.Src, nil)

	sum := 0
	for _, p := range thumb.Pix {
		sum += int(p)
	}
	mean := float64(sum) / float64(len(thumb.Pix))

	bits := make([]bool, len(thumb.Pix))
	for i, p := range thumb.Pix {
		bits[i] = float64(p) > mean
	}
	return bits
}

// Perceptual computes the average-hash fingerprint of img
func Perceptual(img image.Image) Fingerprint {
	bits := Bits(img)
	s := make([]byte, len(bits))
	for i, b := range bits {
		if b {
			s[i] = '1'
		} else {
			s[i] = '0'
		}
	}
	return md5.Sum(s)
}

// Exact computes the fingerprint of raw file bytes
func Exact(data []byte) Fingerprint {
	return md5.Sum(data)
}

// Compute applies policy. A nil img (undecodable input) always falls back
// to the exact fingerprint of data.
func Compute(policy Policy, img image.Image, data []byte) Fingerprint {
	if img == nil || policy == PolicyExact {
		return Exact(data)
	}
	return Perceptual(img)
}
