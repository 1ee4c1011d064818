package broker

import "errors"

// ErrNotMember is returned internally by healthcheck for a HEALTHCHECK
// against an endpoint that is not currently a member of the named group.
var ErrNotMember = errors.New("broker: not a member")
