// Package envbuild merges a project's env entries into the maps and
// redaction key list the process runner needs, decrypting secret entries
// through internal/secrets. Grounded on the teacher's env-merging shape in
// predeploy.go (building the per-host environment before exec), adapted from
// a remote-host merge to a single child-process merge.
package envbuild

import (
	"deployerd/m/v2/internal/apierr"
	"deployerd/m/v2/internal/secrets"
)

// Entry mirrors a project record's env entry (spec.md §3).
type Entry struct {
	Key            string
	IsSecret       bool
	Value          string
	EncryptedValue string
}

// Built is the env builder's output: plain and secret values keyed by env
// var name, plus the list of keys that must be redacted in process output.
type Built struct {
	PlainEnv   map[string]string
	SecretEnv  map[string]string
	SecretKeys []string
}

// Build merges entries into a Built, decrypting secret values via codec.
// Entries without a key are ignored. A decryption failure aborts the whole
// build with apierr.KindSecretDecrypt, per spec.md §4.2.
func Build(entries []Entry, codec *secrets.Codec) (Built, error) {
	out := Built{
		PlainEnv:  make(map[string]string),
		SecretEnv: make(map[string]string),
	}

	for _, e := range entries {
		if e.Key == "" {
			continue
		}
		if !e.IsSecret {
			if e.Value != "" {
				out.PlainEnv[e.Key] = e.Value
			}
			continue
		}

		out.SecretKeys = append(out.SecretKeys, e.Key)

		if e.Value != "" {
			out.SecretEnv[e.Key] = e.Value
			continue
		}
		if e.EncryptedValue == "" {
			return Built{}, apierr.New(apierr.KindSecretMissing, "secret entry "+e.Key+" has no value to use")
		}
		plain, err := codec.Decrypt(e.EncryptedValue)
		if err != nil {
			return Built{}, apierr.Wrap(apierr.KindSecretDecrypt, "failed to decrypt secret "+e.Key, err)
		}
		out.SecretEnv[e.Key] = plain
	}

	return out, nil
}

// Merged returns the combined plain+secret environment as KEY=VALUE pairs,
// ready to append to a child process's env slice.
func (b Built) Merged() []string {
	pairs := make([]string, 0, len(b.PlainEnv)+len(b.SecretEnv))
	for k, v := range b.PlainEnv {
		pairs = append(pairs, k+"="+v)
	}
	for k, v := range b.SecretEnv {
		pairs = append(pairs, k+"="+v)
	}
	return pairs
}
