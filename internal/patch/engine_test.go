package patch

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"igloomcp/internal/report"
)

func newTestEngine(t *testing.T) (*Engine, *report.Storage, *report.Index, string) {
	t.Helper()
	s := report.NewStorage(t.TempDir(), report.StorageOptions{LockTimeout: 2 * time.Second}, zap.NewNop())
	ix := report.NewIndex(s, zap.NewNop())
	e := NewEngine(s, ix, zap.NewNop())

	o := report.NewOutline(report.NewReportID(), "Weekly report", report.TemplateDefault, nil)
	require.NoError(t, s.Create(context.Background(), o, report.ActorAgent, ""))
	require.NoError(t, ix.Append(context.Background(), report.EntryFor(o)))
	return e, s, ix, o.ReportID
}

func TestEvolveMinimalDetail(t *testing.T) {
	e, _, _, id := newTestEngine(t)

	res, err := e.Evolve(context.Background(), EvolveRequest{
		Selector:       id,
		Changes:        &ProposedChanges{SectionsToAdd: []SectionAdd{{Title: "S1"}}},
		ResponseDetail: DetailMinimal,
		Actor:          report.ActorAgent,
	})
	require.NoError(t, err)
	assert.Equal(t, "success", res.Status)
	assert.Equal(t, 2, res.OutlineVersion)
	assert.Equal(t, 1, res.Summary.SectionsAdded)
	assert.Empty(t, res.CreatedSectionIDs, "minimal detail omits id lists")
	assert.Empty(t, res.Warnings)
}

func TestEvolveStandardDetailCarriesIDsAndWarnings(t *testing.T) {
	e, _, _, id := newTestEngine(t)

	res, err := e.Evolve(context.Background(), EvolveRequest{
		Selector: id,
		Changes:  &ProposedChanges{SectionsToAdd: []SectionAdd{{Title: "Empty section"}}},
		Actor:    report.ActorAgent,
	})
	require.NoError(t, err)
	assert.Len(t, res.CreatedSectionIDs, 1)
	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0], "has no insights")
}

func TestEvolveFullDetailEchoesChanges(t *testing.T) {
	e, _, _, id := newTestEngine(t)

	res, err := e.Evolve(context.Background(), EvolveRequest{
		Selector:       id,
		Changes:        &ProposedChanges{TitleChange: "Renamed"},
		ResponseDetail: DetailFull,
		Actor:          report.ActorAgent,
	})
	require.NoError(t, err)
	require.NotNil(t, res.ChangesApplied)
	assert.Equal(t, "Renamed", res.ChangesApplied.TitleChange)
}

func TestEvolveValidationFailedIsAResponseNotAnError(t *testing.T) {
	e, s, _, id := newTestEngine(t)

	res, err := e.Evolve(context.Background(), EvolveRequest{
		Selector: id,
		Changes:  &ProposedChanges{InsightsToRemove: []string{"nope"}},
		Actor:    report.ActorAgent,
	})
	require.NoError(t, err)
	assert.Equal(t, "validation_failed", res.Status)
	require.NotEmpty(t, res.ValidationIssues)
	assert.Equal(t, "insights_to_remove[0]", res.ValidationIssues[0].FieldPath)

	// Nothing persisted.
	o, err := s.Load(id)
	require.NoError(t, err)
	assert.Equal(t, 1, o.Version)
}

func TestEvolveDryRunDoesNotPersist(t *testing.T) {
	e, s, _, id := newTestEngine(t)

	res, err := e.Evolve(context.Background(), EvolveRequest{
		Selector: id,
		Changes:  &ProposedChanges{SectionsToAdd: []SectionAdd{{Title: "Preview"}}},
		DryRun:   true,
		Actor:    report.ActorAgent,
	})
	require.NoError(t, err)
	assert.Equal(t, "dry_run", res.Status)
	assert.Equal(t, 2, res.OutlineVersion, "dry run previews the would-be version")
	assert.Equal(t, 1, res.Summary.SectionsAdded)

	o, err := s.Load(id)
	require.NoError(t, err)
	assert.Equal(t, 1, o.Version)
	assert.Empty(t, o.Sections)
}

func TestEvolveVersionConflict(t *testing.T) {
	e, _, _, id := newTestEngine(t)

	// First write moves the report to version 2.
	_, err := e.Evolve(context.Background(), EvolveRequest{
		Selector: id,
		Changes:  &ProposedChanges{SectionsToAdd: []SectionAdd{{Title: "S"}}},
		Actor:    report.ActorAgent,
	})
	require.NoError(t, err)

	_, err = e.Evolve(context.Background(), EvolveRequest{
		Selector:        id,
		Changes:         &ProposedChanges{TitleChange: "stale write"},
		ExpectedVersion: 1,
		Actor:           report.ActorAgent,
	})
	var conflict *report.VersionConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, 2, conflict.CurrentVersion)
}

func TestEvolveSelectorErrorPassesThrough(t *testing.T) {
	e, _, _, _ := newTestEngine(t)
	_, err := e.Evolve(context.Background(), EvolveRequest{
		Selector: "no such report",
		Changes:  &ProposedChanges{TitleChange: "x"},
	})
	var selErr *report.SelectorError
	require.ErrorAs(t, err, &selErr)
}

func TestEvolveUpdatesIndexTitle(t *testing.T) {
	e, _, ix, id := newTestEngine(t)

	_, err := e.Evolve(context.Background(), EvolveRequest{
		Selector: id,
		Changes:  &ProposedChanges{TitleChange: "Fresh title"},
		Actor:    report.ActorAgent,
	})
	require.NoError(t, err)

	entry, err := ix.Resolve(id)
	require.NoError(t, err)
	assert.Equal(t, "Fresh title", entry.CurrentTitle)
}

func TestEvolveBatchIsAtomic(t *testing.T) {
	e, s, _, id := newTestEngine(t)

	// Second operation is invalid, so the first must not land either.
	_, err := e.EvolveBatch(context.Background(), id, []*ProposedChanges{
		{SectionsToAdd: []SectionAdd{{Title: "Kept?"}}},
		{InsightsToRemove: []string{"bogus"}},
	}, report.ActorAgent, "")
	require.NoError(t, err)

	o, err := s.Load(id)
	require.NoError(t, err)
	assert.Equal(t, 1, o.Version)
	assert.Empty(t, o.Sections)
}

func TestEvolveBatchSuccessAccumulates(t *testing.T) {
	e, s, _, id := newTestEngine(t)

	res, err := e.EvolveBatch(context.Background(), id, []*ProposedChanges{
		{SectionsToAdd: []SectionAdd{{Title: "A", Insights: []InsightDraft{{Summary: "i1", Importance: 5}}}}},
		{SectionsToAdd: []SectionAdd{{Title: "B"}}},
	}, report.ActorAgent, "")
	require.NoError(t, err)
	assert.Equal(t, "success", res.Status)
	assert.Equal(t, 2, res.Summary.SectionsAdded)
	assert.Equal(t, 1, res.Summary.InsightsAdded)
	assert.Equal(t, 3, res.OutlineVersion, "one version per batched operation")

	o, err := s.Load(id)
	require.NoError(t, err)
	assert.Len(t, o.Sections, 2)
}
