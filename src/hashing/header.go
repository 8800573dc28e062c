package hashing

import (
	"encoding/hex"
	"math/big"
	"strconv"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/pkg/errors"
)

// Work is the part of a mining.notify job needed to rebuild a header.
type Work struct {
	PrevHash       string
	Coinb1         string
	Coinb2         string
	MerkleBranches []string
	Version        string
	NBits          string
}

// Submission is what a miner sends back for a Work.
type Submission struct {
	Extranonce1 string
	Extranonce2 string
	NTime       string
	Nonce       string
}

// ShareCheck is the outcome of hashing a submission locally.
type ShareCheck struct {
	Hash           *big.Int
	Target         *big.Int
	MeetsTarget    bool
	BlockCandidate bool
}

// BuildHeader assembles the 80 byte header a miner hashed for sub. Stratum
// sends the header fields as big endian words and the previous hash with
// each word swapped, so the fields are laid out as received and the whole
// buffer is word swapped once.
func BuildHeader(work Work, sub Submission) ([]byte, error) {
	coinbase, err := hex.DecodeString(work.Coinb1 + sub.Extranonce1 + sub.Extranonce2 + work.Coinb2)
	if err != nil {
		return nil, errors.Wrap(err, "invalid coinbase hex")
	}
	root, err := MerkleRoot(Sha256d(coinbase), work.MerkleBranches)
	if err != nil {
		return nil, err
	}

	header := make([]byte, 0, 80)
	for _, field := range []struct {
		name  string
		value string
		size  int
	}{
		{"version", work.Version, 4},
		{"prevhash", work.PrevHash, 32},
	} {
		b, err := decodeField(field.name, field.value, field.size)
		if err != nil {
			return nil, err
		}
		header = append(header, b...)
	}
	header = append(header, swap32(root)...)
	for _, field := range []struct {
		name  string
		value string
	}{
		{"ntime", sub.NTime},
		{"nbits", work.NBits},
		{"nonce", sub.Nonce},
	} {
		b, err := decodeField(field.name, field.value, 4)
		if err != nil {
			return nil, err
		}
		header = append(header, b...)
	}
	return swap32(header), nil
}

// MerkleRoot folds the branches of a job onto the coinbase hash.
func MerkleRoot(coinbaseHash []byte, branches []string) ([]byte, error) {
	root := coinbaseHash
	for i, branch := range branches {
		b, err := decodeField("merkle branch "+strconv.Itoa(i), branch, 32)
		if err != nil {
			return nil, err
		}
		root = Sha256d(append(append(make([]byte, 0, 64), root...), b...))
	}
	return root, nil
}

// NetworkTarget expands the compact nBits of a job.
func NetworkTarget(nbits string) (*big.Int, error) {
	compact, err := strconv.ParseUint(nbits, 16, 32)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid nbits %q", nbits)
	}
	return blockchain.CompactToBig(uint32(compact)), nil
}

// CheckShare hashes sub locally and compares it with the target of diff.
func (a *Algorithm) CheckShare(work Work, sub Submission, diff float64) (ShareCheck, error) {
	header, err := BuildHeader(work, sub)
	if err != nil {
		return ShareCheck{}, err
	}
	hash := a.Hash(header)
	target := a.DiffToTarget(diff)
	check := ShareCheck{
		Hash:        hash,
		Target:      target,
		MeetsTarget: hash.Cmp(target) <= 0,
	}
	if network, err := NetworkTarget(work.NBits); err == nil && network.Sign() > 0 {
		check.BlockCandidate = hash.Cmp(network) <= 0
	}
	return check, nil
}

func decodeField(name, value string, size int) ([]byte, error) {
	b, err := hex.DecodeString(value)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid %s hex", name)
	}
	if len(b) != size {
		return nil, errors.Errorf("invalid %s length %d, expected %d", name, len(b), size)
	}
	return b, nil
}

func swap32(in []byte) []byte {
	out := make([]byte, len(in))
	for i := 0; i+4 <= len(in); i += 4 {
		out[i], out[i+1], out[i+2], out[i+3] = in[i+3], in[i+2], in[i+1], in[i]
	}
	return out
}
