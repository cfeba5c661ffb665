// Package auth implements the authentication-phase coordinator described in
// spec.md section 4.7: it tracks which methods are required in each
// direction, drives the pluggable PAP/CHAP/EAP providers, and reports
// completion once every required method has succeeded. It deliberately
// contains no cryptography; PAP/CHAP/EAP digest computation is an external
// collaborator (spec.md section 1).
package auth

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
)

// Mask is a bitmask of the authentication methods in play on a link, in
// both directions (the *Peer and *WithPeer bits), per spec.md section 4.7.
type Mask uint8

const MaskNone Mask = 0

const (
	PAPPeer  Mask = 1 << iota // peer must authenticate to us via PAP
	CHAPPeer                  // peer must authenticate to us via CHAP
	EAPPeer                   // peer must authenticate to us via EAP
	PAPWithPeer               // we must authenticate to the peer via PAP
	CHAPWithPeer              // we must authenticate to the peer via CHAP
	EAPWithPeer               // we must authenticate to the peer via EAP
)

// ChapFlavor further qualifies CHAPPeer/CHAPWithPeer with the digest
// variant in use, since pppd's auth state distinguishes MD5 from the
// Microsoft flavors even though LCP's own AUTHTYPE option already settled
// on one.
type ChapFlavor uint8

const (
	ChapFlavorMD5 ChapFlavor = iota
	ChapFlavorMSCHAP
	ChapFlavorMSCHAPv2
)

// ErrAuthFailed is returned (wrapped) by Coordinator.Run when a required
// method reports failure (ok=false). Errors from a provider, including a
// cancelled or expired context, are returned wrapped as they are.
var ErrAuthFailed = errors.New("auth: authentication failed")

// PeerAuthenticator authenticates an incoming peer (server-side role, the
// Go rendering of pppd's upap_authpeer/chap_auth hooks). Implementations
// live outside this package; this interface only describes the contract
// the coordinator drives.
type PeerAuthenticator interface {
	AuthenticatePeer(ctx context.Context) (ok bool, err error)
}

// WithPeerAuthenticator authenticates this end to the peer (client-side
// role, pppd's upap_authwithpeer/chap_with_peer).
type WithPeerAuthenticator interface {
	AuthenticateWithPeer(ctx context.Context) (ok bool, err error)
}

// Providers bundles the method implementations the coordinator may need,
// keyed by method. A nil entry for a method that Required demands is a
// configuration error surfaced by Run.
type Providers struct {
	PAPPeer, CHAPPeer, EAPPeer             PeerAuthenticator
	PAPWithPeer, CHAPWithPeer, EAPWithPeer WithPeerAuthenticator
}

// Coordinator runs every required authentication method concurrently and
// reports a single pass/fail verdict, per spec.md section 4.7's "the
// authenticate phase completes only once every required method has
// completed" rule.
type Coordinator struct {
	Required Mask
	Flavor   ChapFlavor
	Log      *log.Logger

	mu        sync.Mutex
	completed Mask
}

// completedMethods reports which bits of Required have finished
// successfully so far, for diagnostics and tests.
func (c *Coordinator) completedMethods() Mask {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.completed
}

func (c *Coordinator) markDone(m Mask) {
	c.mu.Lock()
	c.completed |= m
	c.mu.Unlock()
}

// Run drives every required method against p concurrently, returning once
// all of them have succeeded or any one of them has failed. A method not
// named in Required is never invoked, matching spec.md section 4.7's "no
// method runs unless LCP negotiated it" invariant.
func (c *Coordinator) Run(ctx context.Context, p Providers) error {
	if c.Required == MaskNone {
		return nil
	}
	logger := c.Log
	if logger == nil {
		logger = log.Default()
	}

	type job struct {
		name string
		run  func(context.Context) (bool, error)
		mask Mask
	}
	var jobs []job
	addPeer := func(name string, mask Mask, a PeerAuthenticator) {
		if c.Required&mask == 0 {
			return
		}
		if a == nil {
			jobs = append(jobs, job{name, func(context.Context) (bool, error) {
				return false, fmt.Errorf("auth: %s required but no provider configured", name)
			}, mask})
			return
		}
		jobs = append(jobs, job{name, a.AuthenticatePeer, mask})
	}
	addWith := func(name string, mask Mask, a WithPeerAuthenticator) {
		if c.Required&mask == 0 {
			return
		}
		if a == nil {
			jobs = append(jobs, job{name, func(context.Context) (bool, error) {
				return false, fmt.Errorf("auth: %s required but no provider configured", name)
			}, mask})
			return
		}
		jobs = append(jobs, job{name, a.AuthenticateWithPeer, mask})
	}
	addPeer("pap-peer", PAPPeer, p.PAPPeer)
	addPeer("chap-peer", CHAPPeer, p.CHAPPeer)
	addPeer("eap-peer", EAPPeer, p.EAPPeer)
	addWith("pap-with-peer", PAPWithPeer, p.PAPWithPeer)
	addWith("chap-with-peer", CHAPWithPeer, p.CHAPWithPeer)
	addWith("eap-with-peer", EAPWithPeer, p.EAPWithPeer)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan error, len(jobs))
	for _, j := range jobs {
		j := j
		go func() {
			ok, err := j.run(ctx)
			if err != nil {
				results <- fmt.Errorf("%s: %w", j.name, err)
				return
			}
			if !ok {
				results <- fmt.Errorf("%s: %w", j.name, ErrAuthFailed)
				return
			}
			c.markDone(j.mask)
			logger.Printf("auth: %s succeeded", j.name)
			results <- nil
		}()
	}

	var firstErr error
	for range jobs {
		if err := <-results; err != nil && firstErr == nil {
			firstErr = err
			cancel()
		}
	}
	if firstErr != nil {
		return firstErr
	}
	return nil
}
