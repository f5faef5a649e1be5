package rpc

import (
	"errors"
	"io"
)

var errLimitedReaderExhausted = errors.New("errLimitedReaderExhausted")

// limitedReader is like io.LimitedReader but returns a specific error when
// more bytes are requested than available. This differentiates a standard EOF
// from a body that exceeds the read budget (for example, a decompression
// bomb).
type limitedReader struct {
	R io.Reader // underlying reader
	N uint      // max bytes remaining
}

func (l *limitedReader) Read(p []byte) (n int, err error) {
	if l.N == 0 {
		// Probe for one more byte to tell a body that ends exactly at
		// the limit apart from a larger one.
		var probe [1]byte
		if n, _ := l.R.Read(probe[:]); n > 0 {
			return 0, errLimitedReaderExhausted
		}
		return 0, io.EOF
	}
	if uint(len(p)) > l.N {
		p = p[0:l.N]
	}
	n, err = l.R.Read(p)
	l.N -= uint(n)
	return
}
