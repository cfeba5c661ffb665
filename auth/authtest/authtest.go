// Package authtest provides table-driven fakes for auth.PeerAuthenticator
// and auth.WithPeerAuthenticator, used by the coordinator's own tests and
// by anything wiring auth.Coordinator without real PAP/CHAP/EAP providers.
package authtest

import "context"

// Fixed always returns the configured result, optionally after a delay
// driven by a channel close so tests can control interleaving.
type Fixed struct {
	OK    bool
	Err   error
	Ready chan struct{} // if non-nil, AuthenticatePeer/WithPeer block until closed
}

func (f *Fixed) AuthenticatePeer(ctx context.Context) (bool, error) {
	return f.wait(ctx)
}

func (f *Fixed) AuthenticateWithPeer(ctx context.Context) (bool, error) {
	return f.wait(ctx)
}

func (f *Fixed) wait(ctx context.Context) (bool, error) {
	if f.Ready != nil {
		select {
		case <-f.Ready:
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
	return f.OK, f.Err
}
