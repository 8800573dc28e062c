package pool

import (
	"fmt"

	"github.com/Kali123411/stratum-proxy/src/hashing"
	"github.com/pkg/errors"
)

// Job is a parsed mining.notify. Params keeps the notification as received
// so it can be forwarded unchanged.
type Job struct {
	Id             string
	PrevHash       string
	Coinb1         string
	Coinb2         string
	MerkleBranches []string
	Version        string
	NBits          string
	NTime          string
	CleanJobs      bool

	Params []any
}

// ParseJob decodes the positional mining.notify params
// [jobId, prevHash, coinb1, coinb2, merkleBranches, version, nBits, nTime, cleanJobs].
func ParseJob(params []any) (*Job, error) {
	if len(params) < 8 {
		return nil, errors.Errorf("mining.notify: expected at least 8 params, got %d", len(params))
	}
	strs := make([]string, 7)
	for i, idx := range []int{0, 1, 2, 3, 5, 6, 7} {
		s, ok := params[idx].(string)
		if !ok {
			return nil, errors.Errorf("mining.notify: param %d is %T, expected string", idx, params[idx])
		}
		strs[i] = s
	}
	rawBranches, ok := params[4].([]any)
	if !ok && params[4] != nil {
		return nil, errors.Errorf("mining.notify: merkle branches are %T", params[4])
	}
	branches := make([]string, 0, len(rawBranches))
	for i, b := range rawBranches {
		s, ok := b.(string)
		if !ok {
			return nil, errors.Errorf("mining.notify: merkle branch %d is %T", i, b)
		}
		branches = append(branches, s)
	}
	clean := false
	if len(params) > 8 {
		clean, _ = params[8].(bool)
	}

	copied := make([]any, len(params))
	copy(copied, params)
	return &Job{
		Id:             strs[0],
		PrevHash:       strs[1],
		Coinb1:         strs[2],
		Coinb2:         strs[3],
		MerkleBranches: branches,
		Version:        strs[4],
		NBits:          strs[5],
		NTime:          strs[6],
		CleanJobs:      clean,
		Params:         copied,
	}, nil
}

// NotifyParams returns the params to forward, with cleanJobs forced when
// clean is set.
func (j *Job) NotifyParams(clean bool) []any {
	params := make([]any, len(j.Params))
	copy(params, j.Params)
	if clean {
		if len(params) > 8 {
			params[8] = true
		} else {
			params = append(params, true)
		}
	}
	return params
}

func (j *Job) Work() hashing.Work {
	return hashing.Work{
		PrevHash:       j.PrevHash,
		Coinb1:         j.Coinb1,
		Coinb2:         j.Coinb2,
		MerkleBranches: j.MerkleBranches,
		Version:        j.Version,
		NBits:          j.NBits,
	}
}

func (j *Job) String() string {
	return fmt.Sprintf("job %s (clean=%t)", j.Id, j.CleanJobs)
}
