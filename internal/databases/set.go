package databases

import (
	"context"
	"slices"

	"github.com/yairfalse/triage/internal/awsapi"
	"github.com/yairfalse/triage/internal/fanout"
	"github.com/yairfalse/triage/pkg/report"
)

// Target is one instance to investigate.
type Target struct {
	Instance report.InstanceInfo
	// Input is the identifier that first named the instance.
	Input  string
	Errors []string
}

// Set is the combined resolution of many identifiers.
type Set struct {
	Targets    []Target
	Unresolved []Unresolved
	// Errors are run-level failures such as undescribable cluster members.
	Errors []string
}

// ResolveAll resolves refs concurrently and returns each instance once,
// keyed by its ARN. Order follows refs, then cluster member order.
func (r *Resolver) ResolveAll(ctx context.Context, refs []Ref) Set {
	outcomes := fanout.Run(ctx, r.exec, refs, func(ctx context.Context, ref Ref) (Resolution, error) {
		return r.Resolve(ctx, ref), nil
	})

	var set Set
	index := make(map[string]int)
	add := func(input string, inst report.InstanceInfo, errs ...string) {
		if i, ok := index[inst.Key()]; ok {
			set.Targets[i].Errors = appendMissing(set.Targets[i].Errors, errs...)
			return
		}
		index[inst.Key()] = len(set.Targets)
		set.Targets = append(set.Targets, Target{Instance: inst, Input: input, Errors: errs})
	}

	done := make(map[Ref]bool, len(refs))
	for _, ref := range refs {
		if done[ref] {
			continue
		}
		done[ref] = true

		out := outcomes[ref]
		if !out.OK() {
			set.Unresolved = append(set.Unresolved, Unresolved{Ref: ref, Err: out.Err})
			continue
		}

		switch res := out.Value.(type) {
		case ResolvedInstance:
			add(ref.Identifier, res.Instance)
		case ResolvedCluster:
			for _, inst := range res.Instances {
				if res.WriterError != "" {
					add(ref.Identifier, inst, res.WriterError)
				} else {
					add(ref.Identifier, inst)
				}
			}
			set.Errors = append(set.Errors, res.MemberErrors...)
			if len(res.Instances) == 0 && len(res.MemberErrors) == 0 {
				set.Errors = append(set.Errors, "cluster "+res.Cluster.Identifier+" has no members")
			}
		case Unresolved:
			set.Unresolved = append(set.Unresolved, res)
		}
	}
	return set
}

// Reason describes why u did not resolve.
func (u Unresolved) Reason() string {
	if u.Err == nil {
		return ""
	}
	return awsapi.Describe("resolve "+u.Ref.Identifier, u.Err)
}

func appendMissing(list []string, items ...string) []string {
	for _, it := range items {
		if !slices.Contains(list, it) {
			list = append(list, it)
		}
	}
	return list
}
