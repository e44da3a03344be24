// Package uniqueness computes the canonical fingerprint used to detect
// duplicate enqueues, keeping the dialect-independent parts of §4.7 (field
// projection, state groups) separate from the store's advisory-lock SQL.
package uniqueness

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"sort"

	"github.com/jonesrussell/jobqueue/internal/domain"
)

// DefaultFields is applied when a changeset's UniqueOpts.Fields is empty.
var DefaultFields = []string{"worker", "queue", "args"}

// Named state groups from §4.7.
const (
	GroupAll         = "all"
	GroupIncomplete  = "incomplete"
	GroupScheduled   = "scheduled"
	GroupSuccessful  = "successful"
)

// StatesForGroup expands a named group into its member states. An explicit
// States slice on UniqueOpts always wins over StateSet; this is only
// consulted when States is empty.
func StatesForGroup(group string) []domain.State {
	switch group {
	case GroupIncomplete:
		return []domain.State{domain.StateScheduled, domain.StateAvailable, domain.StateExecuting, domain.StateRetryable}
	case GroupScheduled:
		return []domain.State{domain.StateScheduled}
	case GroupSuccessful:
		return []domain.State{domain.StateCompleted}
	case GroupAll:
		fallthrough
	default:
		return []domain.State{
			domain.StateScheduled, domain.StateAvailable, domain.StateExecuting,
			domain.StateRetryable, domain.StateCompleted, domain.StateDiscarded, domain.StateCancelled,
		}
	}
}

// ResolveStates returns the concrete state list a uniqueness query should
// search, applying the States > StateSet > default("all") precedence.
func ResolveStates(opts *domain.UniqueOpts) []domain.State {
	if opts == nil {
		return StatesForGroup(GroupAll)
	}
	if len(opts.States) > 0 {
		return opts.States
	}
	if opts.StateSet != "" {
		return StatesForGroup(opts.StateSet)
	}
	return StatesForGroup(GroupAll)
}

// ResolveFields returns the changeset fields contributing to the fingerprint.
func ResolveFields(opts *domain.UniqueOpts) []string {
	if opts == nil || len(opts.Fields) == 0 {
		return DefaultFields
	}
	return opts.Fields
}

// Fingerprint is the canonical projection of a changeset used for comparison
// and for deriving the advisory lock key.
type Fingerprint struct {
	Canonical string
	Hash      int64
}

// Compute builds the canonical fingerprint for cs restricted to the fields
// and (optionally) the args/meta keys named in opts. The canonical form is a
// stable JSON encoding so that map key order never affects the hash.
func Compute(cs *domain.Changeset, opts *domain.UniqueOpts) Fingerprint {
	fields := ResolveFields(opts)
	projection := make(map[string]any, len(fields))

	for _, f := range fields {
		switch f {
		case "worker":
			projection["worker"] = cs.Worker
		case "queue":
			projection["queue"] = cs.Queue
		case "args":
			projection["args"] = projectKeys(cs.Args, keysFor(opts))
		case "meta":
			projection["meta"] = projectKeys(cs.Meta, keysFor(opts))
		}
	}

	canonical := canonicalJSON(projection)
	return Fingerprint{
		Canonical: canonical,
		Hash:      hashToInt64(canonical),
	}
}

func keysFor(opts *domain.UniqueOpts) []string {
	if opts == nil {
		return nil
	}
	return opts.Keys
}

// projectKeys restricts m to the named keys; an empty keys slice means "all
// keys compare", matching the spec's default.
func projectKeys(m map[string]any, keys []string) map[string]any {
	if len(keys) == 0 {
		return m
	}
	out := make(map[string]any, len(keys))
	for _, k := range keys {
		if v, ok := m[k]; ok {
			out[k] = v
		}
	}
	return out
}

// canonicalJSON encodes v with map keys sorted so that equal logical values
// always produce byte-identical output regardless of map iteration order.
func canonicalJSON(v any) string {
	b, err := json.Marshal(sortedValue(v))
	if err != nil {
		// Projection values are JSON-serializable by the Job.Args contract;
		// a marshal failure here means the caller violated that contract.
		return ""
	}
	return string(b)
}

// sortedValue recursively rewrites maps into slices of key/value pairs sorted
// by key, since encoding/json already sorts map[string]any keys on marshal
// but nested interface{} maps from arbitrary decoding may not share that
// guarantee across all paths; this keeps the fingerprint stable either way.
func sortedValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		ordered := make([]any, 0, len(keys)*2)
		for _, k := range keys {
			ordered = append(ordered, k, sortedValue(val[k]))
		}
		return ordered
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = sortedValue(item)
		}
		return out
	default:
		return val
	}
}

// hashToInt64 derives a signed 64-bit advisory-lock key from the canonical
// fingerprint, matching Postgres's pg_advisory_xact_lock(bigint) signature.
func hashToInt64(canonical string) int64 {
	sum := sha256.Sum256([]byte(canonical))
	return int64(binary.BigEndian.Uint64(sum[:8]))
}
