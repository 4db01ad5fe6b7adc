// Package graph derives per-task structural roles from a flow's edge list.
package graph

import (
	"fmt"
)

// Edge is a dependency between two task slugs.
type Edge struct {
	Upstream   string
	Downstream string
	Mapped     bool
}

// Roles are the structural flags derived for one task. They are recomputed
// wholesale from the full graph on every submission, never patched
// incrementally.
type Roles struct {
	// Root: never the downstream end of any edge.
	Root bool

	// Terminal: never the upstream end of any edge.
	Terminal bool

	// Reference: in the caller-declared reference set, or terminal when the
	// caller declares none.
	Reference bool

	// Mapped: some inbound edge fans out onto this task.
	Mapped bool
}

// UnknownReferenceTaskError reports a declared reference task that is not in
// the task set.
type UnknownReferenceTaskError struct {
	Slug string
}

func (e *UnknownReferenceTaskError) Error() string {
	return fmt.Sprintf("reference task %q is not a task of this flow", e.Slug)
}

// Analyze computes the roles of every task. With zero edges every task is
// both root and terminal. When referenceTasks is empty, the terminal tasks
// are the reference tasks; a declared reference set is honored verbatim, even
// for non-terminal tasks.
func Analyze(slugs []string, edges []Edge, referenceTasks []string) (map[string]Roles, error) {
	known := make(map[string]struct{}, len(slugs))
	for _, slug := range slugs {
		known[slug] = struct{}{}
	}

	hasUpstream := make(map[string]struct{}, len(edges))
	hasDownstream := make(map[string]struct{}, len(edges))
	mapped := make(map[string]struct{})

	for _, edge := range edges {
		hasUpstream[edge.Downstream] = struct{}{}
		hasDownstream[edge.Upstream] = struct{}{}

		if edge.Mapped {
			mapped[edge.Downstream] = struct{}{}
		}
	}

	reference := make(map[string]struct{}, len(referenceTasks))

	if len(referenceTasks) > 0 {
		for _, slug := range referenceTasks {
			if _, ok := known[slug]; !ok {
				return nil, &UnknownReferenceTaskError{Slug: slug}
			}

			reference[slug] = struct{}{}
		}
	} else {
		for _, slug := range slugs {
			if _, ok := hasDownstream[slug]; !ok {
				reference[slug] = struct{}{}
			}
		}
	}

	roles := make(map[string]Roles, len(slugs))

	for _, slug := range slugs {
		_, upstream := hasUpstream[slug]
		_, downstream := hasDownstream[slug]
		_, isMapped := mapped[slug]
		_, isReference := reference[slug]

		roles[slug] = Roles{
			Root:      !upstream,
			Terminal:  !downstream,
			Reference: isReference,
			Mapped:    isMapped,
		}
	}

	return roles, nil
}
