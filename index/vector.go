package index

import (
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

// Dimensions is the length of vectors produced by Vectorize.
const Dimensions = 256

// Vectorize maps text to a unit vector of hashed features: whole lowercase
// words plus their character trigrams. Texts sharing words or word fragments
// ("docker ps" and "dockerfile") end up close under cosine distance. Text
// without letters or digits yields the zero vector.
func Vectorize(text string) []float32 {
	v := make([]float32, Dimensions)
	for _, word := range words(text) {
		addFeature(v, "w:"+word, 1)
		runes := []rune("^" + word + "$")
		for i := 0; i+3 <= len(runes); i++ {
			addFeature(v, string(runes[i:i+3]), 0.5)
		}
	}

	var norm float64
	for _, x := range v {
		norm += float64(x) * float64(x)
	}
	if norm == 0 {
		return v
	}
	scale := float32(1 / math.Sqrt(norm))
	for i := range v {
		v[i] *= scale
	}
	return v
}

func words(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func addFeature(v []float32, feature string, weight float32) {
	h := fnv.New32a()
	h.Write([]byte(feature))
	v[h.Sum32()%Dimensions] += weight
}

func isZero(v []float32) bool {
	for _, x := range v {
		if x != 0 {
			return false
		}
	}
	return true
}
