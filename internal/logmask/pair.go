package logmask

// Pair holds the independent stdout/stderr maskers for one running step.
// The two streams never share a tail buffer: a secret split across stdout's
// boundary says nothing about stderr's.
type Pair struct {
	Stdout *Masker
	Stderr *Masker
}

// NewPair builds a Pair sharing the same secret value set.
func NewPair(values []string) Pair {
	return Pair{Stdout: New(values), Stderr: New(values)}
}

// FlushAll releases both streams' held-back tails, in (stdout, stderr) order.
func (p Pair) FlushAll() (stdout, stderr string) {
	return p.Stdout.Flush(), p.Stderr.Flush()
}
