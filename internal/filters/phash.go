package filters

import (
	"image"
	"math/bits"

	"github.com/disintegration/imaging"
)

// DHash computes a 64-bit difference hash of the image: resize to 9x8
// grayscale, then compare horizontal neighbours. Near-duplicate images hash
// within a few bits of each other.
func DHash(img image.Image) uint64 {
	small := imaging.Grayscale(imaging.Resize(img, 9, 8, imaging.Lanczos))
	var hash uint64
	bit := 0
	for y := 0; y < 8; y++ {
		for x := 0; x < 8; x++ {
			left, _, _, _ := small.At(x, y).RGBA()
			right, _, _, _ := small.At(x+1, y).RGBA()
			if left > right {
				hash |= 1 << uint(63-bit)
			}
			bit++
		}
	}
	return hash
}

// HashDistance is the Hamming distance between two dHashes.
func HashDistance(a, b uint64) int {
	return bits.OnesCount64(a ^ b)
}

// blockedImageMaxDistance is the match threshold for blocked images. Zero
// would miss recompressed copies; 10+ starts matching unrelated photos.
const blockedImageMaxDistance = 5

// HashesMatch reports whether two dHashes identify the same image.
func HashesMatch(a, b uint64) bool {
	return HashDistance(a, b) <= blockedImageMaxDistance
}
