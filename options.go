package echttp

import (
	"strconv"
	"strings"
	"time"

	"github.com/pmartin-io/echttp/internal/logging"
	"github.com/pmartin-io/echttp/internal/tlsadapter"
	"github.com/pmartin-io/echttp/pkg/constants"
)

// optionDefaults holds option values set via DefaultOption before Open
// runs.
type optionDefaults struct {
	service    string
	ttl        time.Duration
	debug      bool
	tlsCerts   string
	tlsKey     string
	tlsCA      string
	tlsDebug   bool
	tlsProfile string
}

var defaults = optionDefaults{service: "http", ttl: constants.DefaultIdleTimeout}

// DefaultOption overrides one of echttp's own command-line option
// defaults before Open is called, in the same "-option=value" / "-option"
// syntax Open itself accepts. Mirrors the original library's
// echttp_default.
func DefaultOption(arg string) {
	applyOption(arg, &defaults)
}

// applyOption accepts every option in both its "-name[=value]" and
// "--name[=value]" forms.
func applyOption(arg string, d *optionDefaults) {
	if strings.HasPrefix(arg, "--") {
		arg = arg[1:]
	}
	switch {
	case matchOption("-http-service=", arg, &d.service):
	case matchOption("-tls-certificate=", arg, &d.tlsCerts):
	case matchOption("-tls-private-key=", arg, &d.tlsKey):
	case matchOption("-tls-certs=", arg, &d.tlsCA):
	case matchOption("-tls-profile=", arg, &d.tlsProfile):
	case isPresent("-http-debug", arg):
		d.debug = true
	case isPresent("-tls-debug", arg):
		d.tlsDebug = true
	default:
		if v, ok := matchValue("-http-ttl=", arg); ok {
			if n, err := strconv.Atoi(v); err == nil {
				d.ttl = time.Duration(n) * time.Second
			}
		}
	}
}

func matchOption(prefix, arg string, dst *string) bool {
	if v, ok := matchValue(prefix, arg); ok {
		*dst = v
		return true
	}
	return false
}

func matchValue(prefix, arg string) (string, bool) {
	if strings.HasPrefix(arg, prefix) {
		return arg[len(prefix):], true
	}
	return "", false
}

func isPresent(name, arg string) bool {
	return arg == name
}

// Open parses echttp's command-line options out of argv, applying them
// to the Default() server, and returns the remaining application
// arguments with the consumed ones stripped — the same "split the
// argument list" contract as the original echttp_open.
func Open(argv []string) []string {
	d := defaults
	rest := make([]string, 0, len(argv))
	for _, arg := range argv {
		before := d
		applyOption(arg, &d)
		if d == before {
			rest = append(rest, arg)
		}
	}

	s := Default()
	s.SetIdleTimeout(d.ttl)
	if d.debug {
		s.SetLogger(logging.Default(true))
	}
	if d.tlsCerts != "" || d.tlsKey != "" || d.tlsCA != "" {
		s.EnableTLS(tlsadapter.Config{
			CertFile: d.tlsCerts,
			KeyFile:  d.tlsKey,
			CAFile:   d.tlsCA,
			Debug:    d.tlsDebug,
			Profile:  d.tlsProfile,
		})
	}

	addr := d.service
	if !strings.Contains(addr, ":") {
		addr = ":" + addr
	}
	if err := s.Listen(addr, false); err != nil {
		s.logger.Error("failed to open listener from options", "service", d.service, "error", err)
	}
	return rest
}
