package worker

import (
	"github.com/Kali123411/stratum-proxy/src/gostratum"
	"github.com/Kali123411/stratum-proxy/src/pool"
)

// Router is what a worker connection needs from the hub that owns it.
type Router interface {
	// OnSubscribe picks the pool for c and registers c under it.
	OnSubscribe(c *Connection) (*pool.Pool, error)
	// OnAuthorize checks name and links it to c.
	OnAuthorize(c *Connection, name, password string) error
	// OnSubmit forwards or rejects share and calls cb exactly once.
	OnSubmit(c *Connection, share Share, cb pool.SubmitCallback)
	// OnDisconnect is called once, after c released its tail.
	OnDisconnect(c *Connection)
}

// Share is one mining.submit after translation for the upstream.
type Share struct {
	WorkerName string
	JobId      string
	// Extranonce2 is prefixed with the connection tail.
	Extranonce2 string
	NTime       string
	Nonce       string
	Difficulty  float64
	Pool        *pool.Pool

	// LocalReject is set when local validation already refused the share.
	LocalReject    *gostratum.StratumError
	BlockCandidate bool
}

func (s Share) Submission() pool.Submission {
	return pool.Submission{
		JobId:       s.JobId,
		Extranonce2: s.Extranonce2,
		NTime:       s.NTime,
		Nonce:       s.Nonce,
		Difficulty:  s.Difficulty,
	}
}
