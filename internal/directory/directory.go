// Package directory looks up caller profiles by phone number.
//
// Backends only need to answer exact E.164 lookups. The Resolver in front of
// them normalizes whatever the telephony provider sent, adds the caller's
// region and timezone, and turns every failure into an anonymous profile so
// that a directory outage never reaches the caller.
package directory

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

var ErrNotFound = errors.New("directory: caller not found")

// CustomerProfile is read-only account context for one caller.
type CustomerProfile struct {
	CallerID      string
	Name          string
	Balance       string
	AccountStatus string
	Region        string
	Timezone      string
	Anonymous     bool
}

// Anonymous returns the profile used when the caller is unknown.
func Anonymous(callerID string) CustomerProfile {
	return CustomerProfile{CallerID: callerID, Anonymous: true}
}

// Directory is a customer record source keyed by E.164 number.
type Directory interface {
	Lookup(ctx context.Context, e164 string) (CustomerProfile, error)
}

// None is the directory used when no backend is configured.
type None struct{}

func (None) Lookup(context.Context, string) (CustomerProfile, error) {
	return CustomerProfile{}, ErrNotFound
}

type Resolver struct {
	dir           Directory
	defaultRegion string
	timeout       time.Duration
}

func NewResolver(dir Directory, defaultRegion string, timeout time.Duration) *Resolver {
	if dir == nil {
		dir = None{}
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Resolver{dir: dir, defaultRegion: defaultRegion, timeout: timeout}
}

// Resolve never fails: unknown callers and backend errors produce an
// anonymous profile. Errors are logged. Caller ids that do not parse as valid
// numbers are looked up verbatim.
func (r *Resolver) Resolve(ctx context.Context, callerID string) CustomerProfile {
	num, err := Normalize(callerID, r.defaultRegion)
	if err != nil {
		key := strings.TrimSpace(callerID)
		if key == "" {
			return Anonymous("")
		}
		log.Debug().Err(err).Str("caller_id", key).Msg("caller id did not normalize, looking up verbatim")
		num = Number{E164: key, Timezone: "UTC"}
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	p, err := r.dir.Lookup(ctx, num.E164)
	switch {
	case errors.Is(err, ErrNotFound):
		p = Anonymous(num.E164)
	case err != nil:
		log.Warn().Err(err).Str("caller_id", num.E164).Msg("directory lookup failed, continuing as anonymous")
		p = Anonymous(num.E164)
	}
	p.CallerID = num.E164
	p.Region = num.Region
	p.Timezone = num.Timezone
	return p
}
