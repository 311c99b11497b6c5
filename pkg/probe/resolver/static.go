package resolver

import (
	"context"

	"github.com/pkg/errors"
)

// Static resolves IP literals only. It never performs I/O and is useful when
// targets are known to be addresses.
type Static struct{}

var _ Resolver = Static{}

// Resolve returns host unchanged when it is an IP literal of family.
func (Static) Resolve(_ context.Context, host string, family Family) (string, Family, error) {
	addr, used, ok, err := literal(host, family)
	if !ok {
		return "", 0, errors.Wrapf(ErrNoAddress, "%q is not an IP address", host)
	}
	return addr, used, err
}

// Cancel does nothing.
func (Static) Cancel() {}
