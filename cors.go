package echttp

import "github.com/pmartin-io/echttp/internal/cors"

// CORS wraps an internal cors.Guard as a global ProtectFunc, so a single
// Protect(0, ...) call enforces the same origin/method policy in front
// of every route, the way echttp_cors_protect is meant to be called from
// an application's own global protect callback.
type CORS struct {
	guard *cors.Guard
}

// NewCORS returns an empty CORS guard; call AllowMethod for every method
// that should be permitted across origins.
func NewCORS() *CORS {
	return &CORS{guard: cors.NewGuard()}
}

// AllowMethod adds method to the cross-origin allow-list.
func (c *CORS) AllowMethod(method string) { c.guard.Allow(method) }

// Protect is a ProtectFunc answering CORS preflights and stamping
// Access-Control-Allow-Origin on every other response. Install it with
// Protect(0, cors.Protect) to apply it globally.
func (c *CORS) Protect(ctx *Context) bool {
	origin, _ := ctx.Header("Origin")
	reqMethod, _ := ctx.Header("Access-Control-Request-Method")
	decision := c.guard.Check(ctx.Method(), origin, reqMethod)

	for k, v := range decision.Headers {
		ctx.SetHeader(k, v)
	}
	if decision.Stop {
		ctx.SetStatus(decision.Status, decision.Reason)
		return false
	}
	return true
}
