package quota

import (
	"context"
	"strings"

	"github.com/splax/botrunner/internal/domain"
	"github.com/splax/botrunner/internal/identity"
	"github.com/splax/botrunner/internal/keylock"
)

// Lister returns the managed containers of a tenant.
type Lister interface {
	List(ctx context.Context, tenantID string) ([]domain.ContainerRecord, error)
}

// Decision is the outcome of an admitted quota check.
type Decision struct {
	Current int
	Max     int
	Active  []domain.ContainerRecord
	// Running is set when the requested bot already runs; starting it
	// again does not add a container.
	Running bool
}

// Enforcer caps the number of running bots per tenant.
type Enforcer struct {
	lister Lister
	max    int
	locks  *keylock.Mutex
}

// New creates an enforcer. A max of zero disables the ceiling.
func New(lister Lister, limit int) *Enforcer {
	return &Enforcer{lister: lister, max: limit, locks: keylock.New()}
}

// Max returns the configured ceiling.
func (e *Enforcer) Max() int { return e.max }

// Check admits id or returns a *domain.QuotaError. Only running containers
// count against the ceiling, and a bot that already runs is always admitted.
// Check does not reserve anything; use Reserve around the actual start.
func (e *Enforcer) Check(ctx context.Context, id domain.Identity) (Decision, error) {
	records, err := e.lister.List(ctx, id.TenantID)
	if err != nil {
		return Decision{}, err
	}
	name := id.ContainerName()
	active := make([]domain.ContainerRecord, 0, len(records))
	running := false
	for _, r := range records {
		if r.Status != domain.StatusRunning {
			continue
		}
		active = append(active, r)
		if strings.TrimPrefix(r.ContainerName, "/") == name {
			running = true
		}
	}
	d := Decision{Current: len(active), Max: e.max, Active: active, Running: running}
	if !running && e.max > 0 && len(active) >= e.max {
		return d, &domain.QuotaError{TenantID: id.TenantID, Current: len(active), Max: e.max, Active: active}
	}
	return d, nil
}

// Reserve serialises starts per tenant: it takes the tenant lock and repeats
// Check under it. On success the caller must call release once the container
// has been started or the start has failed.
func (e *Enforcer) Reserve(ctx context.Context, id domain.Identity) (release func(), d Decision, err error) {
	unlock := e.locks.Lock(identity.Sanitize(id.TenantID))
	d, err = e.Check(ctx, id)
	if err != nil {
		unlock()
		return nil, d, err
	}
	return unlock, d, nil
}
