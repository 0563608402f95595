package policy

// All combines evaluators so that every one must allow. Nil evaluators and nil
// evaluations abstain. The first denial wins and is returned as is; otherwise
// the allowing evaluations are merged, and approval is required if any of
// them requires it. When everything abstains the result is nil.
func All(evaluators ...Evaluator) Evaluator {
	active := make([]Evaluator, 0, len(evaluators))
	for _, e := range evaluators {
		if e != nil {
			active = append(active, e)
		}
	}
	return func(ctx Context) *Evaluation {
		var merged *Evaluation
		for _, evaluate := range active {
			evaluation := evaluate(ctx)
			if evaluation == nil {
				continue
			}
			if evaluation.Effect != EffectAllow {
				return evaluation
			}
			if merged == nil {
				merged = Allow()
			}
			merged.Reasons = append(merged.Reasons, evaluation.Reasons...)
			merged.WithRules(evaluation.MatchedRules...)
			merged.RequiresApproval = merged.RequiresApproval || evaluation.RequiresApproval
			if merged.DecisionID == "" {
				merged.DecisionID = evaluation.DecisionID
			}
		}
		return merged
	}
}
