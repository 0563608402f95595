package policy

import (
	"reflect"
	"testing"
)

func TestAll(t *testing.T) {
	allowRead := func(Context) *Evaluation { return Allow("read ok").WithRules("r1") }
	approve := func(Context) *Evaluation { return Allow("needs a human").WithRules("r2").WithApproval(true) }
	abstain := func(Context) *Evaluation { return nil }
	deny := func(Context) *Evaluation { return Deny("no").WithRules("d1") }

	got := All(allowRead, nil, abstain, approve)(Context{})
	if got == nil || got.Effect != EffectAllow || !got.RequiresApproval {
		t.Fatalf("All(allow, approve) = %+v", got)
	}
	if !reflect.DeepEqual(got.MatchedRules, []string{"r1", "r2"}) || !reflect.DeepEqual(got.Reasons, []string{"read ok", "needs a human"}) {
		t.Errorf("merged = %+v", got)
	}

	got = All(allowRead, deny, approve)(Context{})
	if got == nil || got.Effect != EffectDeny || !reflect.DeepEqual(got.MatchedRules, []string{"d1"}) {
		t.Errorf("All(allow, deny) = %+v", got)
	}

	if got := All(abstain, nil)(Context{}); got != nil {
		t.Errorf("All(abstain) = %+v, want nil", got)
	}
}
