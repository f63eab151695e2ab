package dfs

import (
	"fmt"

	"github.com/dfscache/dfscache/pkg/errors"
)

// SchemeDefault marks a descriptor field to be resolved against the
// configured default filesystem.
const SchemeDefault = "default"

// Descriptor is the immutable connection configuration of one remote
// filesystem. It is the key identifying a connection pool.
type Descriptor struct {
	Scheme         string `yaml:"scheme" json:"scheme"`
	Host           string `yaml:"host" json:"host"`
	Port           int    `yaml:"port" json:"port"`
	CredentialsRef string `yaml:"credentials_ref" json:"credentials_ref"`
}

// Defaults is the configured default filesystem substituted for "default"
// descriptors.
type Defaults struct {
	Scheme string
	Host   string
	Port   int
}

// Key returns the string identity used to key pools and registry entries.
func (d Descriptor) Key() string {
	return fmt.Sprintf("%s://%s:%d", d.Scheme, d.Host, d.Port)
}

// String formats the descriptor for logs. Credentials are never printed.
func (d Descriptor) String() string {
	return d.Key()
}

// ResolveAddress canonicalizes a descriptor. When the scheme is "default" or
// empty, the default scheme is substituted, and the default host and port
// fill whichever of those fields are unset; a descriptor with an explicit
// scheme is not filled in. A descriptor that remains incomplete after
// resolution is an InvalidArgument.
func ResolveAddress(d Descriptor, defaults Defaults) (Descriptor, error) {
	if d.Scheme == SchemeDefault || d.Scheme == "" {
		d.Scheme = defaults.Scheme
		if d.Host == "" {
			d.Host = defaults.Host
		}
		if d.Port == 0 {
			d.Port = defaults.Port
		}
	}

	if d.Scheme == "" || d.Host == "" || d.Port <= 0 {
		return Descriptor{}, errors.Newf(errors.ErrCodeInvalidArgument,
			"unresolvable filesystem descriptor %q", d.Key()).
			WithComponent("dfs").WithOperation("resolve_address")
	}

	return d, nil
}
