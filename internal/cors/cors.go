// Package cors implements the supplemented Cross-Origin Resource Sharing
// preflight helper from echttp_cors.c: a method allow-list plus the
// protect-callback logic that answers OPTIONS preflights and stamps
// Access-Control-Allow-Origin on everything else.
package cors

import "strings"

// Guard holds the set of methods a deployment allows for cross-origin
// requests, mirroring echttp_cors_allow_method's append-only list.
type Guard struct {
	allowed    []string
	allAllowed string
}

// NewGuard returns an empty Guard; call Allow for each permitted method.
func NewGuard() *Guard {
	return &Guard{}
}

// Allow adds method to the allow-list.
func (g *Guard) Allow(method string) {
	g.allowed = append(g.allowed, method)
	g.allAllowed = strings.Join(g.allowed, ", ")
}

func (g *Guard) rejects(method string) bool {
	if method == "" {
		return true
	}
	for _, m := range g.allowed {
		if m == method {
			return false
		}
	}
	return true
}

// Decision is the outcome of Check: whether the caller's protect hook
// should stop dispatch, and the status/headers to apply if so.
type Decision struct {
	Stop    bool
	Status  int
	Reason  string
	Headers map[string]string
}

// Check implements echttp_cors_protect: it is a no-op (Stop: false) for
// same-origin requests (no Origin header), answers an OPTIONS preflight
// directly, and rejects any other cross-origin method not on the
// allow-list.
func (g *Guard) Check(method, origin, requestMethod string) Decision {
	if origin == "" {
		return Decision{}
	}

	if method == "OPTIONS" {
		if g.rejects(requestMethod) {
			return Decision{Stop: true, Status: 403, Reason: "Forbidden Cross-Domain"}
		}
		return Decision{
			Stop:   true,
			Status: 204,
			Reason: "No Content",
			Headers: map[string]string{
				"Access-Control-Allow-Origin":  "*",
				"Access-Control-Allow-Methods": g.allAllowed,
			},
		}
	}

	if g.rejects(method) {
		return Decision{Stop: true, Status: 403, Reason: "Forbidden Cross-Domain"}
	}
	return Decision{Headers: map[string]string{"Access-Control-Allow-Origin": "*"}}
}
