// Package registry maps protocol names (optionally carrying a "{param}"
// suffix) to constructed proxyproto.Handler instances.
package registry

import (
	"errors"
	"fmt"
	"strings"

	"github.com/postalsys/protoflex/internal/proxyproto"
)

// errReserved marks a Parse failure caused by a reserved-but-unbound name
// (ssl, secure) rather than a genuinely unknown one, so ParseAll can tell
// the two apart.
var errReserved = errors.New("registry: reserved protocol")

// Factory builds a Handler from its "{param}" suffix (empty if none).
type Factory func(param string) proxyproto.Handler

// entry is the registry's internal factory slot; a nil Factory marks a
// name that is reserved but has no implementation ("ssl" and "secure"),
// letting Parse reject it by name with a clearer error than "unknown
// protocol".
type entry struct {
	factory Factory
	binds   bool
}

var mappings = map[string]entry{
	"direct": {NewHandler(proxyproto.NewDirect), true},
	"http":   {NewHandler(proxyproto.NewHTTP), true},
	"socks5": {NewHandler(proxyproto.NewSocks5), true},
	"socks":  {NewHandler(proxyproto.NewSocks5), true},
	"socks4": {NewHandler(proxyproto.NewSocks4), true},
	"ss":     {NewHandler(proxyproto.NewSS), true},
	"ssr":    {NewHandler(proxyproto.NewSSR), true},
	"redir":  {NewHandler(proxyproto.NewRedir), true},
	"pf":     {NewHandler(proxyproto.NewPf), true},
	"tunnel": {NewHandler(proxyproto.NewTunnel), true},
	"echo":   {NewHandler(proxyproto.NewEcho), true},

	// Reserved, unbound names: TLS is a listener wrapper, not a wire
	// protocol, so these resolve to a "known but unsupported" error
	// rather than a silent "unknown protocol" one.
	"ssl":    {},
	"secure": {},
}

// NewHandler adapts a typed constructor (func(string) *Concrete) into a
// Factory returning the proxyproto.Handler interface.
func NewHandler[T proxyproto.Handler](ctor func(string) T) Factory {
	return func(param string) proxyproto.Handler { return ctor(param) }
}

// Parse parses one "name" or "name{param}" token and constructs its
// handler.
func Parse(token string) (proxyproto.Handler, error) {
	name, param, _ := strings.Cut(token, "{")
	param = strings.TrimSuffix(param, "}")

	e, ok := mappings[name]
	if !ok {
		names := make([]string, 0, len(mappings))
		for k := range mappings {
			names = append(names, k)
		}
		return nil, fmt.Errorf("unknown protocol %q (known: %s)", name, strings.Join(names, ", "))
	}
	if !e.binds {
		return nil, fmt.Errorf("protocol %q is reserved and not implemented: %w", name, errReserved)
	}
	return e.factory(param), nil
}

// ParseAll parses a list of protocol tokens, deduplicating by name: the
// first occurrence of a repeated protocol name wins; later ones are
// dropped rather than re-instantiated. A reserved-but-unbound name (ssl,
// secure) is skipped rather than failing the whole list - a listener
// configured as ["ssl", "socks5"] still resolves to a working socks5
// handler. ParseAll only errors if every token turned out to be reserved
// or the list was empty to begin with.
func ParseAll(tokens []string) ([]proxyproto.Handler, error) {
	var handlers []proxyproto.Handler
	seen := make(map[string]bool)
	for _, tok := range tokens {
		name, _, _ := strings.Cut(tok, "{")
		if seen[name] {
			continue
		}
		h, err := Parse(tok)
		if err != nil {
			if errors.Is(err, errReserved) {
				seen[name] = true
				continue
			}
			return nil, err
		}
		seen[name] = true
		handlers = append(handlers, h)
	}
	if len(handlers) == 0 {
		return nil, fmt.Errorf("no protocol specified")
	}
	return handlers, nil
}
