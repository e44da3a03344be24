package uniqueness

import (
	"testing"

	"github.com/jonesrussell/jobqueue/internal/domain"
	"github.com/stretchr/testify/assert"
)

func TestStatesForGroup(t *testing.T) {
	assert.Equal(t, []domain.State{domain.StateScheduled}, StatesForGroup(GroupScheduled))
	assert.Equal(t, []domain.State{domain.StateCompleted}, StatesForGroup(GroupSuccessful))
	assert.Len(t, StatesForGroup(GroupIncomplete), 4)
	assert.Len(t, StatesForGroup(GroupAll), 7)
	assert.Len(t, StatesForGroup("bogus"), 7) // unknown falls back to "all"
}

func TestResolveStates_Precedence(t *testing.T) {
	// explicit States wins over StateSet.
	opts := &domain.UniqueOpts{States: []domain.State{domain.StateExecuting}, StateSet: GroupScheduled}
	assert.Equal(t, []domain.State{domain.StateExecuting}, ResolveStates(opts))

	// StateSet applies when States is empty.
	opts = &domain.UniqueOpts{StateSet: GroupScheduled}
	assert.Equal(t, []domain.State{domain.StateScheduled}, ResolveStates(opts))

	// nil opts and zero-value opts both default to "all".
	assert.Equal(t, StatesForGroup(GroupAll), ResolveStates(nil))
	assert.Equal(t, StatesForGroup(GroupAll), ResolveStates(&domain.UniqueOpts{}))
}

func TestResolveFields_DefaultsWhenEmpty(t *testing.T) {
	assert.Equal(t, DefaultFields, ResolveFields(nil))
	assert.Equal(t, DefaultFields, ResolveFields(&domain.UniqueOpts{}))

	custom := []string{"worker", "meta"}
	assert.Equal(t, custom, ResolveFields(&domain.UniqueOpts{Fields: custom}))
}

func TestCompute_IsStableAcrossMapOrdering(t *testing.T) {
	cs1 := &domain.Changeset{
		Worker: "SendEmail", Queue: "emails",
		Args: map[string]any{"to": "a@b.com", "subject": "hi"},
	}
	cs2 := &domain.Changeset{
		Worker: "SendEmail", Queue: "emails",
		Args: map[string]any{"subject": "hi", "to": "a@b.com"},
	}

	fp1 := Compute(cs1, nil)
	fp2 := Compute(cs2, nil)

	assert.Equal(t, fp1.Canonical, fp2.Canonical)
	assert.Equal(t, fp1.Hash, fp2.Hash)
}

func TestCompute_DiffersOnDifferentArgs(t *testing.T) {
	cs1 := &domain.Changeset{Worker: "w", Queue: "q", Args: map[string]any{"id": 1}}
	cs2 := &domain.Changeset{Worker: "w", Queue: "q", Args: map[string]any{"id": 2}}

	assert.NotEqual(t, Compute(cs1, nil).Hash, Compute(cs2, nil).Hash)
}

func TestCompute_RestrictsToNamedKeys(t *testing.T) {
	cs := &domain.Changeset{
		Worker: "w", Queue: "q",
		Args: map[string]any{"id": 1, "trace": "ignored"},
	}
	opts := &domain.UniqueOpts{Fields: []string{"worker", "queue", "args"}, Keys: []string{"id"}}

	fpRestricted := Compute(cs, opts)

	cs2 := &domain.Changeset{Worker: "w", Queue: "q", Args: map[string]any{"id": 1, "trace": "different"}}
	fpRestricted2 := Compute(cs2, opts)

	assert.Equal(t, fpRestricted.Hash, fpRestricted2.Hash)
}

func TestCompute_OnlyRequestedFieldsContribute(t *testing.T) {
	optsWorkerOnly := &domain.UniqueOpts{Fields: []string{"worker"}}

	cs1 := &domain.Changeset{Worker: "w", Queue: "q1", Args: map[string]any{"a": 1}}
	cs2 := &domain.Changeset{Worker: "w", Queue: "q2", Args: map[string]any{"a": 2}}

	assert.Equal(t, Compute(cs1, optsWorkerOnly).Hash, Compute(cs2, optsWorkerOnly).Hash)
}
