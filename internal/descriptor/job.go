package descriptor

import (
	"bytes"
	"crypto/sha1" //nolint:gosec // content hash, not a security boundary; spec mandates SHA-1 for cross-implementation compatibility
	"encoding/hex"
	"encoding/json"
	"sort"
	"strings"

	"github.com/heliosproject/helios/internal/errkind"
)

// Job is an immutable container specification. It is produced only by
// JobBuilder.Build, which computes Hash from the rest of the fields, the
// same way the original implementation computes a Job's id only once the
// builder has every other field set.
type Job struct {
	name    string
	version string
	image   string
	command []string
	env     map[string]string
	ports   map[string]PortMapping
	hash    string
}

func (j Job) Name() string                      { return j.name }
func (j Job) Version() string                   { return j.version }
func (j Job) Image() string                      { return j.image }
func (j Job) Hash() string                       { return j.hash }
func (j Job) Command() []string                  { return append([]string(nil), j.command...) }
func (j Job) Env() map[string]string             { return copyStringMap(j.env) }
func (j Job) Ports() map[string]PortMapping      { return copyPortMap(j.ports) }

// Id returns the fully qualified JobId derived from this Job's fields.
func (j Job) Id() JobId {
	return NewJobId(j.name, j.version, j.hash)
}

// Equal reports whether two Jobs have identical persisted configuration,
// ports included. Two Jobs with the same JobId always share command, env,
// image, name and version (the hash is derived from those five), but may
// still differ in ports, which the hash does not cover; CreateJob uses
// Equal to tell an idempotent re-create from such a divergent one.
func (j Job) Equal(other Job) bool {
	if j.name != other.name || j.version != other.version || j.image != other.image {
		return false
	}
	if len(j.command) != len(other.command) {
		return false
	}
	for i := range j.command {
		if j.command[i] != other.command[i] {
			return false
		}
	}
	if len(j.env) != len(other.env) {
		return false
	}
	for k, v := range j.env {
		if other.env[k] != v {
			return false
		}
	}
	if len(j.ports) != len(other.ports) {
		return false
	}
	for k, v := range j.ports {
		if other.ports[k] != v {
			return false
		}
	}
	return true
}

// JobBuilder constructs a Job. Fields are set with chained setters; Build
// validates and computes the content hash, producing a frozen value. This
// mirrors Job.newBuilder()...build() in the original implementation: the
// hash can only be known once every other field is final.
type JobBuilder struct {
	name    string
	version string
	image   string
	command []string
	env     map[string]string
	ports   map[string]PortMapping
}

// NewJobBuilder starts a Job builder.
func NewJobBuilder() *JobBuilder {
	return &JobBuilder{}
}

func (b *JobBuilder) SetName(name string) *JobBuilder       { b.name = name; return b }
func (b *JobBuilder) SetVersion(version string) *JobBuilder { b.version = version; return b }
func (b *JobBuilder) SetImage(image string) *JobBuilder     { b.image = image; return b }

func (b *JobBuilder) SetCommand(command []string) *JobBuilder {
	b.command = append([]string(nil), command...)
	return b
}

func (b *JobBuilder) SetEnv(env map[string]string) *JobBuilder {
	b.env = copyStringMap(env)
	return b
}

func (b *JobBuilder) SetPorts(ports map[string]PortMapping) *JobBuilder {
	b.ports = copyPortMap(ports)
	return b
}

// Build validates the builder's fields, computes the content hash and
// returns the frozen Job.
func (b *JobBuilder) Build() (Job, error) {
	if b.name == "" {
		return Job{}, errkind.New(errkind.Validation, "job name is empty")
	}
	if strings.Contains(b.name, ":") {
		return Job{}, errkind.New(errkind.Validation, "job name contains colon")
	}
	if b.version == "" {
		return Job{}, errkind.New(errkind.Validation, "job version is empty")
	}
	if strings.Contains(b.version, ":") {
		return Job{}, errkind.New(errkind.Validation, "job version contains colon")
	}
	for name, port := range b.ports {
		if err := port.Validate(); err != nil {
			return Job{}, errkind.Wrap(errkind.Validation, "invalid port mapping "+name, err)
		}
	}

	command := b.command
	if command == nil {
		command = []string{}
	}
	env := b.env
	if env == nil {
		env = map[string]string{}
	}
	ports := b.ports
	if ports == nil {
		ports = map[string]PortMapping{}
	}

	hash, err := computeJobHash(b.name, b.version, b.image, command, env)
	if err != nil {
		return Job{}, err
	}

	return Job{
		name:    b.name,
		version: b.version,
		image:   b.image,
		command: command,
		env:     env,
		ports:   ports,
		hash:    hash,
	}, nil
}

// computeJobHash implements spec section 4.1 exactly: canonical JSON of
// the fixed five-key config, SHA-1'd, then SHA-1'd again together with
// "name:version:". Empty command/env are preserved in the serialization
// (an omitted container would silently change the hash).
func computeJobHash(name, version, image string, command []string, env map[string]string) (string, error) {
	canonical, err := canonicalJSON(map[string]interface{}{
		"command": command,
		"env":     env,
		"image":   image,
		"name":    name,
		"version": version,
	})
	if err != nil {
		return "", errkind.Wrap(errkind.Fatal, "canonical serialization failed", err)
	}

	configDigest := sha1.Sum(canonical) //nolint:gosec
	input := name + ":" + version + ":" + hex.EncodeToString(configDigest[:])
	jobDigest := sha1.Sum([]byte(input)) //nolint:gosec
	return hex.EncodeToString(jobDigest[:]), nil
}

// canonicalJSON renders v with sorted object keys and no insignificant
// whitespace. encoding/json already sorts map[string]... keys
// lexicographically and emits compact output by default, which is
// exactly the canonical form spec section 4.1 calls for; this helper
// exists to keep that guarantee documented at the one call site that
// depends on it for correctness rather than cosmetics.
//
// json.Marshal's default encoder HTML-escapes '&', '<' and '>' to \u00XX
// sequences; Jackson (the reference implementation) does not, so a
// command/env/image containing any of those characters would hash to a
// different JobId than the Java implementation. SetEscapeHTML(false)
// turns that escaping off. encoding/json still writes U+2028 and U+2029
// as escape sequences whatever the setting, so strings containing those
// two characters hash differently from an encoder that emits them raw.
func canonicalJSON(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	// Encoder.Encode appends a trailing newline; strip it to keep the
	// canonical form byte-identical to json.Marshal's compact output.
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

func copyStringMap(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func copyPortMap(m map[string]PortMapping) map[string]PortMapping {
	out := make(map[string]PortMapping, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// sortedKeys is used by callers that need deterministic iteration over a
// Job's env or ports for display purposes (hashing never needs this --
// json.Marshal sorts map keys on its own).
func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// EnvString renders env in "K=V" form with deterministic ordering, used by
// the CLI and by log lines that shouldn't jitter between runs.
func (j Job) EnvString() []string {
	keys := sortedKeys(j.env)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+j.env[k])
	}
	return out
}
