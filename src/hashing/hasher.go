package hashing

import (
	"math/big"
	"strings"

	simdsha "github.com/minio/sha256-simd"
	"github.com/pkg/errors"
	"golang.org/x/crypto/scrypt"
)

// HeaderHasher hashes a serialized 80 byte block header and returns the hash
// as a number, ready to be compared with a target.
type HeaderHasher func(header []byte) *big.Int

// Algorithm groups what share validation needs to know about a proof of work
// function.
type Algorithm struct {
	Name string
	Hash HeaderHasher
	// Diff1Target is the target of a difficulty 1 share.
	Diff1Target *big.Int
	// HashesPerShare is the expected number of hashes behind a difficulty 1
	// share.
	HashesPerShare float64
}

var (
	diff1Sha256d, _ = new(big.Int).SetString("00000000ffff0000000000000000000000000000000000000000000000000000", 16)
	diff1Scrypt, _  = new(big.Int).SetString("0000ffff00000000000000000000000000000000000000000000000000000000", 16)

	Sha256dAlgorithm = &Algorithm{
		Name:           "sha256d",
		Hash:           HashSha256d,
		Diff1Target:    diff1Sha256d,
		HashesPerShare: 4294967296,
	}
	ScryptAlgorithm = &Algorithm{
		Name:           "scrypt",
		Hash:           HashScrypt,
		Diff1Target:    diff1Scrypt,
		HashesPerShare: 65536,
	}
)

var algorithms = map[string]*Algorithm{
	Sha256dAlgorithm.Name: Sha256dAlgorithm,
	ScryptAlgorithm.Name:  ScryptAlgorithm,
}

// AlgorithmByName looks an algorithm up, case insensitive.
func AlgorithmByName(name string) (*Algorithm, error) {
	algo, ok := algorithms[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, errors.Errorf("unknown algorithm %q", name)
	}
	return algo, nil
}

func Sha256d(data []byte) []byte {
	first := simdsha.Sum256(data)
	second := simdsha.Sum256(first[:])
	return second[:]
}

// HashSha256d is the bitcoin block hash: double sha256, read little endian.
func HashSha256d(header []byte) *big.Int {
	return hashToBig(Sha256d(header))
}

// HashScrypt is the litecoin proof of work hash: scrypt(N=1024, r=1, p=1)
// keyed and salted with the header itself.
func HashScrypt(header []byte) *big.Int {
	sum, err := scrypt.Key(header, header, 1024, 1, 1, 32)
	if err != nil {
		// parameters are constant and valid
		panic(err)
	}
	return hashToBig(sum)
}

func hashToBig(hash []byte) *big.Int {
	reversed := make([]byte, len(hash))
	for i := range hash {
		reversed[len(hash)-1-i] = hash[i]
	}
	return new(big.Int).SetBytes(reversed)
}

// DiffToTarget converts a pool difficulty into the target a share hash must
// not exceed.
func (a *Algorithm) DiffToTarget(diff float64) *big.Int {
	if diff <= 0 {
		return new(big.Int).Set(a.Diff1Target)
	}
	target := new(big.Float).Quo(new(big.Float).SetInt(a.Diff1Target), big.NewFloat(diff))
	t, _ := target.Int(nil)
	return t
}

// TargetToDiff is the inverse of DiffToTarget.
func (a *Algorithm) TargetToDiff(target *big.Int) float64 {
	if target.Sign() <= 0 {
		return 0
	}
	diff := new(big.Float).Quo(new(big.Float).SetInt(a.Diff1Target), new(big.Float).SetInt(target))
	d, _ := diff.Float64()
	return d
}
