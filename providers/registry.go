package providers

import "fmt"

// Default scopes requested from each provider during login.
var defaultScopes = map[Kind][]string{
	KindIdentity:      {"openid", "profile", "email", "offline_access"},
	KindSourceControl: {"openid", "api", "read_user", "read_repository"},
	KindCompute:       {},
}

// Registry holds the configured provider apps. Built once at startup.
type Registry struct {
	apps map[Kind]App
}

func NewRegistry(apps ...App) *Registry {
	r := &Registry{apps: make(map[Kind]App, len(apps))}
	for _, a := range apps {
		r.apps[a.Kind] = a
	}
	return r
}

// App looks up the configuration for a provider kind.
func (r *Registry) App(kind Kind) (App, error) {
	a, ok := r.apps[kind]
	if !ok {
		return App{}, fmt.Errorf("no provider configured for kind %q", kind)
	}
	return a, nil
}

// Apps returns all configured apps, identity provider first. The order is
// the default login sequence.
func (r *Registry) Apps() []App {
	out := make([]App, 0, len(r.apps))
	for _, k := range []Kind{KindIdentity, KindSourceControl, KindCompute} {
		if a, ok := r.apps[k]; ok {
			out = append(out, a)
		}
	}
	return out
}

// Scopes returns the scopes requested from a provider during login.
func Scopes(kind Kind) []string {
	return defaultScopes[kind]
}
