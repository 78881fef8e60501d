package lora

import (
	"fmt"
	"slices"
	"strings"
)

// SkippedLayer is a layer or tensor left out of a permissive conversion.
type SkippedLayer struct {
	Name string
	Err  error
}

// Report collects what a permissive conversion did not convert cleanly.
type Report struct {
	Skipped []SkippedLayer
	// Passthrough names tensors copied unchanged because the mapper does not
	// know them.
	Passthrough []string
	Warnings    []string
}

func (r *Report) skip(name string, err error) {
	for _, s := range r.Skipped {
		if s.Name == name {
			return
		}
	}
	r.Skipped = append(r.Skipped, SkippedLayer{Name: name, Err: err})
}

func (r *Report) warnf(format string, args ...any) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

func (r *Report) merge(other Report) {
	for _, s := range other.Skipped {
		r.skip(s.Name, s.Err)
	}
	r.Passthrough = append(r.Passthrough, other.Passthrough...)
	r.Warnings = append(r.Warnings, other.Warnings...)
}

func (r *Report) sort() {
	slices.SortFunc(r.Skipped, func(a, b SkippedLayer) int { return strings.Compare(a.Name, b.Name) })
	slices.Sort(r.Passthrough)
}

func (r *Report) String() string {
	return fmt.Sprintf("%d skipped, %d passed through, %d warnings", len(r.Skipped), len(r.Passthrough), len(r.Warnings))
}

// Clean reports whether nothing was skipped or warned about.
func (r *Report) Clean() bool {
	return len(r.Skipped) == 0 && len(r.Passthrough) == 0 && len(r.Warnings) == 0
}

// fail applies the policy to a per-layer error: strict returns it, permissive
// records it and returns nil.
func (o *options) fail(r *Report, name string, err error) error {
	if o.policy == PolicyStrict {
		return err
	}
	o.log.Warn("skipping layer", "name", name, "error", err)
	r.skip(name, err)
	return nil
}
