package keys

import (
	"context"
	"errors"
	"sync"
	"time"

	"token-engine/internal/db"
	"token-engine/internal/logging"
)

// Rotator replaces the active signing key on a fixed interval.
type Rotator struct {
	registry  *Registry
	algorithm string
	interval  time.Duration
	grace     time.Duration
	logger    *logging.Logger
	onRotate  func(*db.SigningKey)

	stopCh   chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// NewRotator returns a rotator for alg. Each key lives for interval plus
// grace, so a retired key keeps verifying tokens for grace after the next
// rotation. A zero interval disables periodic rotation and expiry.
func NewRotator(registry *Registry, alg string, interval, grace time.Duration, logger *logging.Logger) *Rotator {
	return &Rotator{
		registry:  registry,
		algorithm: alg,
		interval:  interval,
		grace:     grace,
		logger:    logger.WithComponent("key_rotator"),
	}
}

// OnRotate registers fn to run after every successful rotation.
func (r *Rotator) OnRotate(fn func(*db.SigningKey)) *Rotator {
	r.onRotate = fn
	return r
}

// RotateNow generates and activates a new key.
func (r *Rotator) RotateNow(ctx context.Context) (*db.SigningKey, error) {
	var lifetime time.Duration
	if r.interval > 0 {
		lifetime = r.interval + r.grace
	}

	key, err := r.registry.Generate(r.algorithm, r.registry.now(), lifetime)
	if err != nil {
		return nil, err
	}
	if err := r.registry.Rotate(ctx, key); err != nil {
		return nil, err
	}

	r.logger.InfoEvent().
		Str("kid", key.KeyID).
		Str("alg", key.Algorithm).
		Msg("signing key rotated")
	if r.onRotate != nil {
		r.onRotate(key)
	}
	return key, nil
}

// EnsureActiveKey bootstraps a key when none is active.
func (r *Rotator) EnsureActiveKey(ctx context.Context) error {
	_, err := r.registry.SelectSigningKey(ctx, r.algorithm)
	if err == nil {
		return nil
	}
	if !errors.Is(err, ErrNoActiveKey) {
		return err
	}

	r.logger.Warn("no active signing key, generating one")
	_, err = r.RotateNow(ctx)
	return err
}

// Start runs rotation in the background until ctx is done or Stop is called.
// It must be called at most once.
func (r *Rotator) Start(ctx context.Context) {
	if r.interval <= 0 {
		r.logger.Info("periodic key rotation disabled")
		return
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	r.stopCh, r.done = stop, done
	ticker := time.NewTicker(r.interval)

	go func() {
		defer close(done)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if _, err := r.RotateNow(ctx); err != nil {
					r.logger.ErrorEvent().Err(err).Msg("signing key rotation failed")
				}
			case <-stop:
				r.logger.Info("key rotator stopped")
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	r.logger.InfoEvent().Dur("interval", r.interval).Msg("key rotator started")
}

// Stop ends background rotation and waits for an in-flight rotation to
// finish. It is safe to call more than once.
func (r *Rotator) Stop() {
	if r.stopCh == nil {
		return
	}
	r.stopOnce.Do(func() { close(r.stopCh) })
	<-r.done
}
