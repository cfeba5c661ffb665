package auth

import (
	"context"
	"errors"
	"testing"

	"github.com/pppctl/lcpstack/auth/authtest"
)

func TestRunNoneRequired(t *testing.T) {
	c := &Coordinator{}
	if err := c.Run(context.Background(), Providers{}); err != nil {
		t.Fatalf("Run with no required methods: %v", err)
	}
}

func TestRunAllSucceed(t *testing.T) {
	c := &Coordinator{Required: PAPPeer | CHAPWithPeer}
	err := c.Run(context.Background(), Providers{
		PAPPeer:      &authtest.Fixed{OK: true},
		CHAPWithPeer: &authtest.Fixed{OK: true},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if c.completedMethods()&(PAPPeer|CHAPWithPeer) != PAPPeer|CHAPWithPeer {
		t.Fatalf("expected both methods marked complete")
	}
}

func TestRunFailurePropagates(t *testing.T) {
	c := &Coordinator{Required: PAPPeer}
	err := c.Run(context.Background(), Providers{
		PAPPeer: &authtest.Fixed{OK: false},
	})
	if !errors.Is(err, ErrAuthFailed) {
		t.Fatalf("expected ErrAuthFailed, got %v", err)
	}
}

func TestRunMissingProviderIsError(t *testing.T) {
	c := &Coordinator{Required: EAPPeer}
	if err := c.Run(context.Background(), Providers{}); err == nil {
		t.Fatalf("expected error for unconfigured required method")
	}
}

func TestRunUnrequiredMethodNeverCalled(t *testing.T) {
	called := false
	c := &Coordinator{Required: PAPPeer}
	_ = c.Run(context.Background(), Providers{
		PAPPeer: &authtest.Fixed{OK: true},
		EAPPeer: callbackAuthenticator(func() { called = true }),
	})
	if called {
		t.Fatalf("EAPPeer provider was invoked despite not being required")
	}
}

type callbackAuthenticator func()

func (f callbackAuthenticator) AuthenticatePeer(ctx context.Context) (bool, error) {
	f()
	return true, nil
}
