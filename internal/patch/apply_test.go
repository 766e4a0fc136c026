package patch

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"igloomcp/internal/report"
)

func TestApplyInlineInsightsInSectionModifyCounted(t *testing.T) {
	o := baseOutline(report.TemplateDefault)
	secID := o.Sections[0].SectionID

	c := &ProposedChanges{SectionsToModify: []SectionModify{{
		SectionID: secID,
		Insights:  []InsightDraft{{Summary: "inline", Importance: 7}},
	}}}
	require.Empty(t, Validate(o, c))

	out, err := Apply(o, c)
	require.NoError(t, err)
	assert.Equal(t, 1, out.Summary.InsightsAdded, "inline insights count toward insights_added")
	assert.Equal(t, 1, out.Summary.SectionsModified)
	require.Len(t, out.CreatedInsightIDs, 1)

	// And the inline insight is linked to the section.
	sec := o.Section(secID)
	assert.Contains(t, sec.InsightIDs, out.CreatedInsightIDs[0])
}

func TestApplyVersionBumpsExactlyOnce(t *testing.T) {
	o := baseOutline(report.TemplateDefault)
	before := o.Version
	c := &ProposedChanges{
		SectionsToAdd: []SectionAdd{{Title: "A"}, {Title: "B"}},
		TitleChange:   "New",
	}
	_, err := Apply(o, c)
	require.NoError(t, err)
	assert.Equal(t, before+1, o.Version)
}

func TestApplyRemoveInsightUnlinksEverywhere(t *testing.T) {
	o := baseOutline(report.TemplateDefault)
	in := report.Insight{InsightID: uuid.NewString(), Summary: "doomed", Status: report.InsightActive}
	o.Insights = append(o.Insights, in)
	o.Sections[0].InsightIDs = []string{in.InsightID}
	o.Sections = append(o.Sections, report.Section{
		SectionID: uuid.NewString(), Title: "Also links", InsightIDs: []string{in.InsightID},
	})

	c := &ProposedChanges{InsightsToRemove: []string{in.InsightID}}
	out, err := Apply(o, c)
	require.NoError(t, err)
	assert.Equal(t, 1, out.Summary.InsightsRemoved)
	assert.Nil(t, o.Insight(in.InsightID))
	for _, sec := range o.Sections {
		assert.NotContains(t, sec.InsightIDs, in.InsightID)
	}
	assert.Empty(t, o.CheckInvariants())
}

func TestApplyPartialModifyKeepsOtherFields(t *testing.T) {
	o := baseOutline(report.TemplateDefault)
	in := report.Insight{
		InsightID: uuid.NewString(), Summary: "original", Importance: 4,
		Status: report.InsightActive,
	}
	o.Insights = append(o.Insights, in)

	nine := 9
	c := &ProposedChanges{InsightsToModify: []InsightModify{{
		InsightID: in.InsightID, Importance: &nine,
	}}}
	_, err := Apply(o, c)
	require.NoError(t, err)

	got := o.Insight(in.InsightID)
	assert.Equal(t, 9, got.Importance)
	assert.Equal(t, "original", got.Summary)
	assert.Equal(t, report.InsightActive, got.Status)
}

func TestApplySectionAddWithInlineInsights(t *testing.T) {
	o := baseOutline(report.TemplateDefault)
	c := &ProposedChanges{SectionsToAdd: []SectionAdd{{
		Title: "Fresh",
		Insights: []InsightDraft{
			{Summary: "one", Importance: 5},
			{Summary: "two", Importance: 6},
		},
	}}}
	out, err := Apply(o, c)
	require.NoError(t, err)
	assert.Equal(t, 1, out.Summary.SectionsAdded)
	assert.Equal(t, 2, out.Summary.InsightsAdded)

	sec := o.Section(out.CreatedSectionIDs[0])
	require.NotNil(t, sec)
	assert.Len(t, sec.InsightIDs, 2)
	assert.Empty(t, o.CheckInvariants())
}

func TestApplySectionRemoveKeepsInsights(t *testing.T) {
	o := baseOutline(report.TemplateDefault)
	in := report.Insight{InsightID: uuid.NewString(), Summary: "survivor", Status: report.InsightActive}
	o.Insights = append(o.Insights, in)
	o.Sections[0].InsightIDs = []string{in.InsightID}

	c := &ProposedChanges{SectionsToRemove: []string{o.Sections[0].SectionID}}
	out, err := Apply(o, c)
	require.NoError(t, err)
	assert.Equal(t, 1, out.Summary.SectionsRemoved)
	assert.NotNil(t, o.Insight(in.InsightID))
	// Now unlinked, which the post-apply warnings surface.
	assert.Contains(t, out.Warnings[0], "not linked to any section")
}

func TestApplyWarningsComputedFromPostApplyState(t *testing.T) {
	o := baseOutline(report.TemplateDefault)
	secID := o.Sections[0].SectionID // starts empty

	// Adding an insight into the previously empty section must clear the
	// "no insights" warning in the same patch.
	c := &ProposedChanges{InsightsToAdd: []InsightAdd{{
		SectionID: secID,
		Insight:   InsightDraft{Summary: "fills the section", Importance: 5},
	}}}
	out, err := Apply(o, c)
	require.NoError(t, err)
	assert.Empty(t, out.Warnings)
}

func TestApplyStatusChange(t *testing.T) {
	o := baseOutline(report.TemplateDefault)
	c := &ProposedChanges{StatusChange: report.StatusArchived}
	_, err := Apply(o, c)
	require.NoError(t, err)
	assert.Equal(t, report.StatusArchived, o.Status)
}

func TestApplySyncsSupportingQueries(t *testing.T) {
	o := baseOutline(report.TemplateDefault)
	c := &ProposedChanges{InsightsToAdd: []InsightAdd{{
		SectionID: o.Sections[0].SectionID,
		Insight: InsightDraft{
			Summary:    "cited",
			Importance: 5,
			Citations:  []report.Citation{{Source: report.SourceQuery, ExecutionID: "exec-7"}},
		},
	}}}
	out, err := Apply(o, c)
	require.NoError(t, err)
	in := o.Insight(out.CreatedInsightIDs[0])
	assert.Equal(t, []string{"exec-7"}, in.SupportingQueries)
}
