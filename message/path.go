package message

import (
	"strings"

	"github.com/pkg/errors"
)

// ErrInvalidPath is returned when a path string does not satisfy the
// subsystem://segment/segment... grammar from the path ABNF.
var ErrInvalidPath = errors.New("message: invalid path")

// Path is the parsed form of a "subsystem://seg/seg" address. Segments may be
// a literal, the single-segment wildcard "*", the tail wildcard "**", or a
// named placeholder "{name}".
type Path struct {
	Subsystem string
	Segments  []string
}

// ParsePath splits a canonical path string into its subsystem and segments.
// It returns ErrInvalidPath if there is no "://" separator or the subsystem
// part is empty.
func ParsePath(raw string) (Path, error) {
	sep := strings.Index(raw, "://")
	if sep <= 0 {
		return Path{}, errors.Wrapf(ErrInvalidPath, "%q: missing subsystem separator", raw)
	}
	subsystem := raw[:sep]
	rest := raw[sep+3:]
	if subsystem == "" {
		return Path{}, errors.Wrapf(ErrInvalidPath, "%q: empty subsystem", raw)
	}
	var segments []string
	if rest != "" {
		segments = strings.Split(rest, "/")
		for _, seg := range segments {
			if seg == "" {
				return Path{}, errors.Wrapf(ErrInvalidPath, "%q: empty path segment", raw)
			}
		}
	}
	return Path{Subsystem: subsystem, Segments: segments}, nil
}

// String renders the path back to its canonical "subsystem://seg/seg" form.
// ParsePath(p.String()) always reproduces an equal Path.
func (p Path) String() string {
	var b strings.Builder
	b.WriteString(p.Subsystem)
	b.WriteString("://")
	b.WriteString(strings.Join(p.Segments, "/"))
	return b.String()
}

// Tail joins the segments back into the "seg/seg" portion after the scheme,
// handy for registering routes relative to a subsystem's own router.
func (p Path) Tail() string {
	return strings.Join(p.Segments, "/")
}
