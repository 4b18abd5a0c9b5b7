package descriptor

import "encoding/json"

// jobWire is the on-the-wire and on-disk representation of a Job. Field
// order here is irrelevant to correctness (canonicalJSON in job.go is the
// only place order matters) but is kept alphabetical for readability,
// matching how the store payloads are meant to be inspected by a human
// with a KV browser.
type jobWire struct {
	Command []string               `json:"command"`
	Env     map[string]string      `json:"env"`
	Hash    string                 `json:"hash"`
	Image   string                 `json:"image"`
	Name    string                 `json:"name"`
	Ports   map[string]PortMapping `json:"ports"`
	Version string                 `json:"version"`
}

// MarshalJSON renders the Job's persisted fields plus its hash. Note this
// is a different (non-canonical, pretty-printable) encoding than the one
// computeJobHash uses internally -- spec section 6 draws that distinction
// explicitly ("other payloads may be pretty-printed").
func (j Job) MarshalJSON() ([]byte, error) {
	return json.Marshal(jobWire{
		Command: j.command,
		Env:     j.env,
		Hash:    j.hash,
		Image:   j.image,
		Name:    j.name,
		Ports:   j.ports,
		Version: j.version,
	})
}

func (j *Job) UnmarshalJSON(data []byte) error {
	var w jobWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	command := w.Command
	if command == nil {
		command = []string{}
	}
	env := w.Env
	if env == nil {
		env = map[string]string{}
	}
	ports := w.Ports
	if ports == nil {
		ports = map[string]PortMapping{}
	}
	*j = Job{
		name:    w.Name,
		version: w.Version,
		image:   w.Image,
		command: command,
		env:     env,
		ports:   ports,
		hash:    w.Hash,
	}
	return nil
}

// VerifyHash recomputes the content hash and reports whether it matches
// the Job's stored Hash -- invariant (c) from spec section 3 and the
// check CreateJob uses to reject a client-submitted hash that doesn't
// match its config.
func (j Job) VerifyHash() (bool, error) {
	want, err := computeJobHash(j.name, j.version, j.image, j.command, j.env)
	if err != nil {
		return false, err
	}
	return want == j.hash, nil
}
