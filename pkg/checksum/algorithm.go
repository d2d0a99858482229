package checksum

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"errors"
	"fmt"
	"hash"
	"sort"
	"strings"

	"github.com/zeebo/blake3"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/sha3"
)

// DefaultAlgorithm is used when a task does not name an algorithm.
const DefaultAlgorithm = "sha512"

// ErrUnknownAlgorithm is returned by Lookup for names that are not registered.
var ErrUnknownAlgorithm = errors.New("unknown checksum algorithm")

// HashFunc constructs a fresh hash accumulator.
type HashFunc func() hash.Hash

type algorithm struct {
	name    string
	newHash HashFunc
}

// registry is keyed by normalized name, see normalizeAlgorithm.
var registry = map[string]algorithm{}

func register(name string, newHash HashFunc) {
	registry[normalizeAlgorithm(name)] = algorithm{name: name, newHash: newHash}
}

func init() {
	register("md5", md5.New)
	register("sha1", sha1.New)
	register("sha224", sha256.New224)
	register("sha256", sha256.New)
	register("sha384", sha512.New384)
	register("sha512", sha512.New)
	register("sha512-256", sha512.New512_256)
	register("sha3-256", func() hash.Hash { return sha3.New256() })
	register("sha3-512", func() hash.Hash { return sha3.New512() })
	// blake2b only fails for keys longer than 64 bytes.
	register("blake2b-256", func() hash.Hash {
		h, _ := blake2b.New256(nil)
		return h
	})
	register("blake2b-512", func() hash.Hash {
		h, _ := blake2b.New512(nil)
		return h
	})
	register("blake3", func() hash.Hash { return blake3.New() })
}

// normalizeAlgorithm folds case and drops '-' and '_' so that "SHA-512",
// "sha_512" and "sha512" name the same algorithm.
func normalizeAlgorithm(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	return strings.NewReplacer("-", "", "_", "").Replace(name)
}

// Lookup resolves an algorithm name to its canonical name and constructor.
// An empty name resolves to DefaultAlgorithm.
func Lookup(name string) (string, HashFunc, error) {
	if strings.TrimSpace(name) == "" {
		name = DefaultAlgorithm
	}
	alg, ok := registry[normalizeAlgorithm(name)]
	if !ok {
		return "", nil, fmt.Errorf("%w: %q", ErrUnknownAlgorithm, name)
	}
	return alg.name, alg.newHash, nil
}

// Algorithms returns the canonical names of all registered algorithms, sorted.
func Algorithms() []string {
	names := make([]string, 0, len(registry))
	for _, alg := range registry {
		names = append(names, alg.name)
	}
	sort.Strings(names)
	return names
}
