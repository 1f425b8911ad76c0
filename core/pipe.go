package core

import (
	"io"
	"sync"
)

// SplicePipe concurrently copies raw, untransformed bytes in both
// directions between two ChannelConns, returning once both directions have
// reached EOF and both ends are closed. It is used for the "redirect on
// preset failure" contract (§4.5/§9): once a preset fails the handshake, the
// server falls back to being a plain relay between the client and the
// configured redirect target, with no further preset transformation.
func SplicePipe(a, b ChannelConn) (sentAtoB int64, sentBtoA int64) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		sentAtoB, _ = io.Copy(b, a)
		b.CloseWrite()
	}()
	go func() {
		defer wg.Done()
		sentBtoA, _ = io.Copy(a, b)
		a.CloseWrite()
	}()
	wg.Wait()
	a.Close()
	b.Close()
	return sentAtoB, sentBtoA
}
