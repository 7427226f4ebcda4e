// SPDX-License-Identifier: AGPL-3.0-or-later

package entity_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"foundry/pkg/entity"
)

func TestFoundation_LifecycleNoValidationTemplate(t *testing.T) {
	f := &entity.Foundation{Locator: "f1"}
	now := time.Now()

	assert.Equal(t, entity.FoundationPlanned, f.State())

	require.NoError(t, f.SetLocated("job1", entity.StructurePlanned, false, now))
	assert.Equal(t, entity.FoundationLocated, f.State())

	require.NoError(t, f.SetBuilt("job1", now.Add(time.Minute)))
	assert.Equal(t, entity.FoundationBuilt, f.State())
	assert.False(t, f.CanDelete())
}

func TestFoundation_ValidationTemplateRequiresIDMap(t *testing.T) {
	f := &entity.Foundation{Locator: "f1", HasValidationTpl: true}
	err := f.SetLocated("job1", entity.StructurePlanned, false, time.Now())
	assert.ErrorIs(t, err, entity.ErrMissingIDMap)

	f.IDMap = `{"serial":"abc"}`
	require.NoError(t, f.SetLocated("job1", entity.StructurePlanned, false, time.Now()))
	assert.Equal(t, "abc", f.IDMapValue("serial").String())
}

func TestFoundation_GuardedByOtherJob(t *testing.T) {
	f := &entity.Foundation{Locator: "f1", ActiveJobID: "other-job"}
	err := f.SetLocated("job1", entity.StructurePlanned, false, time.Now())
	assert.ErrorIs(t, err, entity.ErrStateGuard)
}

// A bound discovery agent blocks every lifecycle transition until it is
// released.
func TestFoundation_CartographerBlocksTransitions(t *testing.T) {
	now := time.Now()
	f := &entity.Foundation{Locator: "f1", CartographerID: "agent-7"}

	assert.ErrorIs(t, f.SetLocated("job1", entity.StructurePlanned, false, now), entity.ErrCartographerBound)
	assert.ErrorIs(t, f.SetBuilt("job1", now), entity.ErrCartographerBound)
	assert.ErrorIs(t, f.SetDestroyed("job1"), entity.ErrCartographerBound)

	f.CartographerID = ""
	require.NoError(t, f.SetLocated("job1", entity.StructurePlanned, false, now))
	assert.Equal(t, entity.FoundationLocated, f.State())
}

func TestFoundation_DestroyCascadeClearsIdentity(t *testing.T) {
	f := &entity.Foundation{
		Locator:    "f1",
		IDMap:      `{"serial":"abc"}`,
		Interfaces: []entity.Interface{{Name: "eth0", MAC: "aa:bb", PXE: true}},
	}
	now := time.Now()
	require.NoError(t, f.SetLocated("job1", entity.StructurePlanned, false, now))
	require.NoError(t, f.SetBuilt("job1", now))

	require.NoError(t, f.SetDestroyed("job1"))
	assert.Equal(t, entity.FoundationPlanned, f.State())
	assert.Empty(t, f.IDMap)
	assert.Empty(t, f.Interfaces[0].MAC)
	assert.False(t, f.Interfaces[0].PXE)
}

func TestDependency_ValidateRequiresExactlyOneSource(t *testing.T) {
	neither := &entity.Dependency{Locator: "d1"}
	assert.ErrorIs(t, neither.Validate(), entity.ErrDependencySource)

	both := &entity.Dependency{Locator: "d1", StructureLocator: "s1", ParentDependencyLocator: "d0"}
	assert.ErrorIs(t, both.Validate(), entity.ErrDependencySource)

	ok := &entity.Dependency{Locator: "d1", StructureLocator: "s1", CreateScriptName: "create", DestroyScriptName: "destroy"}
	assert.NoError(t, ok.Validate())
}

func TestDependency_ValidateRejectsEqualScriptNames(t *testing.T) {
	d := &entity.Dependency{Locator: "d1", StructureLocator: "s1", CreateScriptName: "same", DestroyScriptName: "same"}
	assert.ErrorIs(t, d.Validate(), entity.ErrDependencyScriptNames)
}

func TestDependency_SetBuiltAndDestroyed(t *testing.T) {
	d := &entity.Dependency{Locator: "d1", StructureLocator: "s1"}
	now := time.Now()

	assert.Equal(t, entity.DependencyPlanned, d.State())
	require.NoError(t, d.SetBuilt("job1", now))
	assert.Equal(t, entity.DependencyBuilt, d.State())

	require.NoError(t, d.SetDestroyed("job1", now))
	assert.Equal(t, entity.DependencyPlanned, d.State())
}

func TestComplex_StateMeetsBuiltPercentageThreshold(t *testing.T) {
	now := time.Now()
	s1 := &entity.Structure{Locator: "s1", BuiltAt: &now}
	s2 := &entity.Structure{Locator: "s2"}
	members := []*entity.Structure{s1, s2}

	half := &entity.Complex{Locator: "c1", BuiltPercentage: 50, StructureLocators: []string{"s1", "s2"}}
	all := &entity.Complex{Locator: "c2", BuiltPercentage: 100, StructureLocators: []string{"s1", "s2"}}

	assert.Equal(t, entity.ComplexBuilt, half.StateOf(members), "1 of 2 built meets a 50 percent threshold")
	assert.Equal(t, entity.ComplexPlanned, all.StateOf(members))

	s2.BuiltAt = &now
	assert.Equal(t, entity.ComplexBuilt, all.StateOf(members))

	empty := &entity.Complex{Locator: "c3", BuiltPercentage: 0}
	assert.Equal(t, entity.ComplexPlanned, empty.StateOf(nil), "no members never reads built")
}

func TestComplexStructure_StateIsConstant(t *testing.T) {
	cs := entity.ComplexStructure{ComplexLocator: "c1", StructureLocator: "s1"}
	assert.Equal(t, "membership observed", cs.State())
}

// A located Foundation with a planned Dependency may not start its
// create job until that Dependency is built.
func TestGraph_FoundationCanStartCreateGatedOnDependency(t *testing.T) {
	g := entity.NewGraph()
	now := time.Now()

	g.Put(&entity.Foundation{Locator: "f1", LocatedAt: &now})
	d := &entity.Dependency{Locator: "d1", StructureLocator: "s1", FoundationLocator: "f1"}
	g.Put(d)

	ok, err := g.FoundationCanStart("f1", "create")
	require.NoError(t, err)
	assert.False(t, ok)

	d.BuiltAt = &now
	ok, err = g.FoundationCanStart("f1", "create")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestGraph_DependencyCanStartCreate(t *testing.T) {
	g := entity.NewGraph()
	now := time.Now()

	s := &entity.Structure{Locator: "s1", BuiltAt: &now}
	g.Put(s)

	base := &entity.Dependency{Locator: "d-base", StructureLocator: "s1", BuiltAt: &now}
	g.Put(base)

	dep := &entity.Dependency{Locator: "d1", ParentDependencyLocator: "d-base"}
	g.Put(dep)

	ok, err := g.DependencyCanStart("d1", "create")
	require.NoError(t, err)
	assert.True(t, ok)

	pending := &entity.Dependency{Locator: "d-pending", StructureLocator: "s1"}
	g.Put(pending)
	dep2 := &entity.Dependency{Locator: "d2", ParentDependencyLocator: "d-pending"}
	g.Put(dep2)

	ok, err = g.DependencyCanStart("d2", "create")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGraph_DependencyCanStartDestroy(t *testing.T) {
	g := entity.NewGraph()
	now := time.Now()

	built := &entity.Dependency{Locator: "d1", StructureLocator: "s1", BuiltAt: &now}
	g.Put(built)

	child := &entity.Dependency{Locator: "d-child", ParentDependencyLocator: "d1", BuiltAt: &now}
	g.Put(child)
	built.ChildDependencyLocators = []string{"d-child"}

	ok, err := g.DependencyCanStart("d1", "destroy")
	require.NoError(t, err)
	assert.False(t, ok, "built child dependency blocks destroy")

	child.BuiltAt = nil
	ok, err = g.DependencyCanStart("d1", "destroy")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestGraph_DependencyDestroyCascadeHardLinkIncludesFoundation(t *testing.T) {
	g := entity.NewGraph()

	d := &entity.Dependency{
		Locator:                 "d1",
		StructureLocator:        "s1",
		FoundationLocator:       "f1",
		Link:                    entity.LinkHard,
		ChildDependencyLocators: []string{"d-child"},
	}
	g.Put(d)

	plan, err := g.DependencyDestroyCascade("d1")
	require.NoError(t, err)
	assert.Equal(t, []string{"d-child"}, plan.ChildDependencies)
	assert.Equal(t, "f1", plan.Foundation)
}

func TestGraph_DestroyCascadePlan(t *testing.T) {
	g := entity.NewGraph()

	s1 := &entity.Structure{Locator: "s1", DependencyLocators: []string{"dep1", "dep2"}}
	g.Put(s1)

	plan, err := g.DestroyCascade("s1")
	require.NoError(t, err)
	assert.Equal(t, []string{"dep1", "dep2"}, plan.Dependencies)

	_, err = g.DestroyCascade("missing")
	assert.ErrorIs(t, err, entity.ErrNotFound)
}

func TestGraph_ComplexStateFromMembers(t *testing.T) {
	g := entity.NewGraph()
	now := time.Now()

	g.Put(&entity.Structure{Locator: "s1", BuiltAt: &now})
	g.Put(&entity.Structure{Locator: "s2"})
	g.Put(&entity.Complex{Locator: "c1", BuiltPercentage: 50, StructureLocators: []string{"s1", "s2"}})

	st, err := g.ComplexState("c1")
	require.NoError(t, err)
	assert.Equal(t, entity.ComplexBuilt, st)
}
