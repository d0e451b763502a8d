package node

import "github.com/meshcredit/corenet/cryptoops"

// cryptoPool offloads expensive preimage-to-secret KDF derivations (spec
// §5's invoice/payment secret derivation) onto a bounded worker pool so a
// burst of payment activity cannot starve the single dispatch loop in
// Node.Run the way computing KDF inline on that goroutine would. Grounded
// on htlcswitch.Switch's sigPool: a small fixed worker count draining a
// shared job channel, rather than one goroutine per request.
//
// Below cheapThreshold, cryptoops.KDF is cheap enough that the
// channel-roundtrip overhead would dominate, so Derive computes it inline
// instead of dispatching to a worker.
type cryptoPool struct {
	jobs chan kdfJob
	quit chan struct{}
}

type kdfJob struct {
	preimage []byte
	cost     int
	result   chan kdfResult
}

type kdfResult struct {
	out []byte
	err error
}

func newCryptoPool(workers int) *cryptoPool {
	if workers < 1 {
		workers = 1
	}
	p := &cryptoPool{
		jobs: make(chan kdfJob, workers*4),
		quit: make(chan struct{}),
	}
	for i := 0; i < workers; i++ {
		go p.worker()
	}
	return p
}

func (p *cryptoPool) worker() {
	for {
		select {
		case j := <-p.jobs:
			out, err := cryptoops.KDF(j.preimage, j.cost)
			j.result <- kdfResult{out: out, err: err}
		case <-p.quit:
			return
		}
	}
}

// Derive computes the KDF of preimage at the given cost, routing through
// the worker pool unless cost is at or below cheapThreshold.
func (p *cryptoPool) Derive(preimage []byte, cost, cheapThreshold int) ([]byte, error) {
	if cost <= cheapThreshold {
		return cryptoops.KDF(preimage, cost)
	}
	result := make(chan kdfResult, 1)
	p.jobs <- kdfJob{preimage: preimage, cost: cost, result: result}
	r := <-result
	return r.out, r.err
}

// Close stops every worker goroutine. Safe to call once; Derive must not
// be called again afterward.
func (p *cryptoPool) Close() {
	close(p.quit)
}
