package descriptor

import (
	"strings"

	"github.com/heliosproject/helios/internal/errkind"
)

// JobId uniquely identifies a Job: "name:version:hash". The hash may be
// absent (a short id, e.g. an id built by the operator before the Master
// has computed it) or present as a full 40-hex SHA-1 digest.
//
// Many endpoints accept an abbreviated JobId -- one without the trailing
// colon and hash -- the same way the original Helios client did.
type JobId struct {
	name    string
	version string
	hash    string // "" means absent
}

// NewJobId builds a fully qualified JobId. Callers that don't have a hash
// yet should use NewShortJobId.
func NewJobId(name, version, hash string) JobId {
	return JobId{name: name, version: version, hash: hash}
}

// NewShortJobId builds a JobId with no hash component.
func NewShortJobId(name, version string) JobId {
	return JobId{name: name, version: version}
}

// ParseJobId parses "name", "name:version" or "name:version:hash". Any
// other number of colon-separated parts is a parse error -- this mirrors
// JobId.parse(String) in the original implementation, which is the parser
// to use whenever the input is untrusted (CLI arguments, RPC bodies).
func ParseJobId(s string) (JobId, error) {
	parts := strings.Split(s, ":")
	switch len(parts) {
	case 1:
		if parts[0] == "" {
			return JobId{}, errkind.New(errkind.Validation, "invalid job id: "+s)
		}
		return JobId{name: parts[0]}, nil
	case 2:
		if parts[0] == "" || parts[1] == "" {
			return JobId{}, errkind.New(errkind.Validation, "invalid job id: "+s)
		}
		return JobId{name: parts[0], version: parts[1]}, nil
	case 3:
		if parts[0] == "" || parts[1] == "" || parts[2] == "" {
			return JobId{}, errkind.New(errkind.Validation, "invalid job id: "+s)
		}
		return JobId{name: parts[0], version: parts[1], hash: parts[2]}, nil
	default:
		return JobId{}, errkind.New(errkind.Validation, "invalid job id: "+s)
	}
}

// MustParseJobId parses s and panics on failure. Use only where s is a
// programming-time constant or an id this process produced itself.
func MustParseJobId(s string) JobId {
	id, err := ParseJobId(s)
	if err != nil {
		panic(err)
	}
	return id
}

func (id JobId) Name() string    { return id.name }
func (id JobId) Version() string { return id.version }
func (id JobId) Hash() string    { return id.hash }

// IsFullyQualified reports whether id carries a 40-hex SHA-1 hash.
func (id JobId) IsFullyQualified() bool {
	return id.name != "" && id.version != "" && len(id.hash) == 40
}

// String renders "name", "name:version" or "name:version:hash", the
// inverse of ParseJobId. A name-only id (no version, e.g. one produced by
// parsing a bare "name") must render as just "name": rendering "name:"
// would not round-trip, since ParseJobId rejects an empty version part.
func (id JobId) String() string {
	if id.version == "" {
		return id.name
	}
	if id.hash == "" {
		return id.name + ":" + id.version
	}
	return id.name + ":" + id.version + ":" + id.hash
}

// ShortString renders the hash truncated to 7 hex characters, the way
// operators refer to jobs at the command line.
func (id JobId) ShortString() string {
	if id.version == "" {
		return id.name
	}
	if id.hash == "" {
		return id.name + ":" + id.version
	}
	h := id.hash
	if len(h) > 7 {
		h = h[:7]
	}
	return id.name + ":" + id.version + ":" + h
}

// MarshalText implements encoding.TextMarshaler so JobId serializes as the
// bare "name:version:hash" string in JSON, matching the wire format spec
// section 6 requires.
func (id JobId) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *JobId) UnmarshalText(text []byte) error {
	parsed, err := ParseJobId(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// CompareJobId orders by name, then version, then hash, with an absent
// hash sorting before any present hash.
func CompareJobId(a, b JobId) int {
	if c := strings.Compare(a.name, b.name); c != 0 {
		return c
	}
	if c := strings.Compare(a.version, b.version); c != 0 {
		return c
	}
	switch {
	case a.hash == "" && b.hash == "":
		return 0
	case a.hash == "":
		return -1
	case b.hash == "":
		return 1
	default:
		return strings.Compare(a.hash, b.hash)
	}
}
