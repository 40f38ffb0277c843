// Package lock implements the Leased Lock Client (§4.11): a lock is a state
// store key whose value is the holder identifier, composed entirely on top
// of the State Store Client.
package lock

import (
	"context"
	"errors"
	"time"

	"github.com/brinkhaus/mqcore"
	"github.com/brinkhaus/mqcore/hlc"
	"github.com/brinkhaus/mqcore/statestore"
)

// UpdateDecision is what a caller's decide function returns from
// Client.AcquireAndUpdateValue.
type UpdateDecision struct {
	kind       updateKind
	newValue   []byte
	setOptions statestore.SetOptions
}

type updateKind int

const (
	updateKindDoNotUpdate updateKind = iota
	updateKindUpdate
	updateKindDelete
)

// Update returns a decision to set key to newValue under opts.
func Update(newValue []byte, opts statestore.SetOptions) UpdateDecision {
	return UpdateDecision{kind: updateKindUpdate, newValue: newValue, setOptions: opts}
}

// Delete returns a decision to delete the key.
func Delete() UpdateDecision { return UpdateDecision{kind: updateKindDelete} }

// DoNotUpdate returns a decision to leave the key untouched.
func DoNotUpdate() UpdateDecision { return UpdateDecision{kind: updateKindDoNotUpdate} }

// Client is the Leased Lock Client. One instance guards exactly one lock
// name; construct a separate Client per lock.
type Client struct {
	store      *statestore.Client
	lockName   []byte
	holderName []byte
}

// New constructs a Client for lockName, identifying this holder as
// holderName (conventionally the session's MQTT client id).
func New(store *statestore.Client, lockName, holderName []byte) (*Client, error) {
	if len(lockName) == 0 {
		return nil, mqcore.NewError(mqcore.KindLockNameLengthZero, "lock: lock name must not be empty")
	}
	if len(holderName) == 0 {
		return nil, mqcore.NewError(mqcore.KindLockHolderNameLengthZero, "lock: lock holder name must not be empty")
	}
	return &Client{store: store, lockName: lockName, holderName: holderName}, nil
}

// TryAcquire attempts to acquire the lock once, returning the fencing token
// on success or mqcore.KindLockAlreadyHeld if another holder has it.
func (c *Client) TryAcquire(ctx context.Context, lockExpiry, requestTimeout time.Duration) (hlc.Timestamp, error) {
	version, applied, err := c.store.Set(ctx, c.lockName, c.holderName, statestore.SetOptions{
		Condition:     statestore.OnlyIfEqualOrDoesNotExist,
		ExpiresMillis: lockExpiry.Milliseconds(),
	}, nil)
	if err != nil {
		return hlc.Timestamp{}, err
	}
	if !applied {
		return hlc.Timestamp{}, mqcore.NewError(mqcore.KindLockAlreadyHeld, "lock: already held by another holder")
	}
	if version == nil {
		return hlc.Timestamp{}, mqcore.NewError(mqcore.KindInternalLogic, "lock: state store returned no fencing token for an applied set")
	}
	return *version, nil
}

// Acquire observes the lock, repeatedly tries to acquire it, and on
// LockAlreadyHeld waits for a delete notification before retrying; it
// re-observes if the observation channel ends (a disconnect race).
// Unobserve runs on every exit path.
func (c *Client) Acquire(ctx context.Context, lockExpiry, requestTimeout time.Duration) (hlc.Timestamp, error) {
	obs, err := c.ObserveLock(ctx, requestTimeout)
	if err != nil {
		return hlc.Timestamp{}, err
	}
	defer func() { _ = c.UnobserveLock(ctx, requestTimeout) }()

	for {
		token, acquireErr := c.TryAcquire(ctx, lockExpiry, requestTimeout)
		if acquireErr == nil {
			return token, nil
		}
		if !errors.Is(acquireErr, mqcore.KindLockAlreadyHeld) {
			return hlc.Timestamp{}, acquireErr
		}

		released := false
		for !released {
			select {
			case entry, open := <-obs.C:
				if !open {
					obs, err = c.ObserveLock(ctx, requestTimeout)
					if err != nil {
						return hlc.Timestamp{}, err
					}
					continue
				}
				if entry.Ack != nil {
					_ = entry.Ack.Ack()
				}
				if entry.Notification.Op == statestore.NotifyDel {
					released = true
				}
			case <-ctx.Done():
				return hlc.Timestamp{}, mqcore.Wrap(mqcore.KindCancellation, ctx.Err())
			}
		}
	}
}

// Release deletes the lock only if this client is still its holder (VDEL).
func (c *Client) Release(ctx context.Context, requestTimeout time.Duration) error {
	_, err := c.store.VDel(ctx, c.lockName, c.holderName, nil)
	return err
}

// ObserveLock subscribes to state changes on the lock key.
func (c *Client) ObserveLock(ctx context.Context, requestTimeout time.Duration) (*statestore.KeyObservation, error) {
	return c.store.Observe(ctx, string(c.lockName))
}

// UnobserveLock cancels the lock key's state-change subscription.
func (c *Client) UnobserveLock(ctx context.Context, requestTimeout time.Duration) error {
	return c.store.Unobserve(ctx, string(c.lockName))
}

// GetLockHolder returns the current holder identifier, or nil if the lock
// is unheld.
func (c *Client) GetLockHolder(ctx context.Context) ([]byte, error) {
	value, found, _, err := c.store.Get(ctx, c.lockName)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	return value, nil
}

// AcquireAndUpdateValue acquires the lock, reads key's current value, lets
// decide choose an update, applies it with the lock's fencing token, then
// releases the lock regardless of whether the update succeeded.
func (c *Client) AcquireAndUpdateValue(ctx context.Context, lockExpiry, requestTimeout time.Duration, key []byte, decide func(current []byte, found bool) UpdateDecision) (bool, error) {
	fencingToken, err := c.Acquire(ctx, lockExpiry, requestTimeout)
	if err != nil {
		return false, err
	}

	current, found, _, err := c.store.Get(ctx, key)
	if err != nil {
		_ = c.Release(ctx, requestTimeout)
		return false, err
	}

	decision := decide(current, found)
	switch decision.kind {
	case updateKindUpdate:
		_, applied, setErr := c.store.Set(ctx, key, decision.newValue, decision.setOptions, &fencingToken)
		_ = c.Release(ctx, requestTimeout)
		if setErr != nil {
			return false, setErr
		}
		return applied, nil
	case updateKindDelete:
		count, delErr := c.store.Del(ctx, key, &fencingToken)
		_ = c.Release(ctx, requestTimeout)
		if delErr != nil {
			return false, delErr
		}
		return count > 0, nil
	default: // updateKindDoNotUpdate
		_ = c.Release(ctx, requestTimeout)
		return true, nil
	}
}
