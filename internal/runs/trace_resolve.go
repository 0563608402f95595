package runs

import "github.com/haasonsaas/toolgate/pkg/contracts"

// traceKeys are the fields searched for an embedded decision trace, in order.
var traceKeys = []string{"policyDecisionTrace", "policyTrace", "trace"}

type traceSource struct {
	name    string
	resolve func(explicit *contracts.PolicyDecisionTraceV1, args, result any) (contracts.PolicyDecisionTraceV1, bool)
}

// traceSources are tried in priority order; the first valid trace wins.
var traceSources = []traceSource{
	{"explicit", func(explicit *contracts.PolicyDecisionTraceV1, _, _ any) (contracts.PolicyDecisionTraceV1, bool) {
		return contracts.AsPolicyDecisionTrace(explicit)
	}},
	{"args", func(_ *contracts.PolicyDecisionTraceV1, args, _ any) (contracts.PolicyDecisionTraceV1, bool) {
		return topLevelTrace(args)
	}},
	{"args.policy", func(_ *contracts.PolicyDecisionTraceV1, args, _ any) (contracts.PolicyDecisionTraceV1, bool) {
		return nestedPolicyTrace(args)
	}},
	{"result", func(_ *contracts.PolicyDecisionTraceV1, _, result any) (contracts.PolicyDecisionTraceV1, bool) {
		return topLevelTrace(result)
	}},
	{"result.policy", func(_ *contracts.PolicyDecisionTraceV1, _, result any) (contracts.PolicyDecisionTraceV1, bool) {
		return nestedPolicyTrace(result)
	}},
}

// ResolvePolicyDecisionTrace finds the decision trace for a tool event: the
// explicit trace, then one carried by args, then one carried by result.
func ResolvePolicyDecisionTrace(explicit *contracts.PolicyDecisionTraceV1, args, result any) (contracts.PolicyDecisionTraceV1, bool) {
	for _, source := range traceSources {
		if trace, ok := source.resolve(explicit, args, result); ok {
			return trace, true
		}
	}
	return contracts.PolicyDecisionTraceV1{}, false
}

func topLevelTrace(value any) (contracts.PolicyDecisionTraceV1, bool) {
	if value == nil {
		return contracts.PolicyDecisionTraceV1{}, false
	}
	if trace, ok := contracts.AsPolicyDecisionTrace(value); ok {
		return trace, true
	}
	record, ok := contracts.AsRecord(value)
	if !ok {
		return contracts.PolicyDecisionTraceV1{}, false
	}
	return traceInRecord(record)
}

func nestedPolicyTrace(value any) (contracts.PolicyDecisionTraceV1, bool) {
	if value == nil {
		return contracts.PolicyDecisionTraceV1{}, false
	}
	record, ok := contracts.AsRecord(value)
	if !ok {
		return contracts.PolicyDecisionTraceV1{}, false
	}
	policy, ok := record["policy"].(map[string]any)
	if !ok {
		return contracts.PolicyDecisionTraceV1{}, false
	}
	return traceInRecord(policy)
}

func traceInRecord(record map[string]any) (contracts.PolicyDecisionTraceV1, bool) {
	for _, key := range traceKeys {
		if candidate, ok := record[key]; ok && candidate != nil {
			if trace, ok := contracts.AsPolicyDecisionTrace(candidate); ok {
				return trace, true
			}
		}
	}
	return contracts.PolicyDecisionTraceV1{}, false
}
