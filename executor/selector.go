package executor

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// Executor kinds accepted by ParseSelector.
const (
	KindSerial      = "serial"
	KindMultiproc   = "multiproc"
	KindDistributed = "distributed"
	KindCelery      = "celery"
)

// Selector is a parsed executor choice such as "serial", "multiproc:8" or
// "distributed:host:port".
type Selector struct {
	Kind    string
	Workers int
	Addr    string
}

// ParseSelector parses an executor selector.
func ParseSelector(s string) (Selector, error) {
	kind, arg, _ := strings.Cut(strings.TrimSpace(s), ":")
	switch kind {
	case KindSerial:
		if arg != "" {
			return Selector{}, fmt.Errorf("executor: %q takes no argument", kind)
		}
		return Selector{Kind: kind, Workers: 1}, nil
	case KindMultiproc:
		n, err := strconv.Atoi(arg)
		if err != nil || n < 1 {
			return Selector{}, fmt.Errorf("executor: %q needs a positive worker count, got %q", kind, arg)
		}
		return Selector{Kind: kind, Workers: n}, nil
	case KindDistributed, KindCelery:
		if _, _, err := net.SplitHostPort(arg); err != nil {
			return Selector{}, fmt.Errorf("executor: %q needs host:port: %w", kind, err)
		}
		return Selector{Kind: kind, Addr: arg}, nil
	}
	return Selector{}, fmt.Errorf("executor: unknown executor %q", s)
}

// Remote reports whether the selector names a queue-backed executor.
func (s Selector) Remote() bool {
	return s.Kind == KindDistributed || s.Kind == KindCelery
}

// URL returns the NATS server URL for remote selectors.
func (s Selector) URL() string {
	if !s.Remote() {
		return ""
	}
	return "nats://" + s.Addr
}

func (s Selector) String() string {
	switch {
	case s.Kind == KindMultiproc:
		return fmt.Sprintf("%s:%d", s.Kind, s.Workers)
	case s.Remote():
		return s.Kind + ":" + s.Addr
	}
	return s.Kind
}
