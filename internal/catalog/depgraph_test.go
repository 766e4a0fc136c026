package catalog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func snapshotFixture() *Snapshot {
	return &Snapshot{
		Database: "ANALYTICS",
		Schemas:  []string{"PUBLIC"},
		Objects: []Object{
			{Database: "ANALYTICS", Schema: "PUBLIC", Name: "EVENTS", Kind: "table"},
			{Database: "ANALYTICS", Schema: "PUBLIC", Name: "SWAPS", Kind: "table"},
			{
				Database: "ANALYTICS", Schema: "PUBLIC", Name: "DAILY_EVENTS", Kind: "view",
				DDL: "CREATE VIEW DAILY_EVENTS AS SELECT DATE_TRUNC('day', TS) AS DAY FROM EVENTS GROUP BY 1",
			},
			{
				Database: "ANALYTICS", Schema: "PUBLIC", Name: "ACTIVITY", Kind: "view",
				DDL: "CREATE VIEW ACTIVITY AS SELECT * FROM PUBLIC.EVENTS e JOIN PUBLIC.SWAPS s ON e.id = s.id",
			},
		},
	}
}

func TestBuildGraphDerivesEdgesFromViewDDL(t *testing.T) {
	g := BuildGraph(snapshotFixture())

	assert.Equal(t, []string{"ANALYTICS"}, g.Databases)
	assert.Len(t, g.Nodes, 4)
	require.Len(t, g.Edges, 3)
	assert.Contains(t, g.Edges, Edge{From: "ANALYTICS.PUBLIC.DAILY_EVENTS", To: "ANALYTICS.PUBLIC.EVENTS"})
	assert.Contains(t, g.Edges, Edge{From: "ANALYTICS.PUBLIC.ACTIVITY", To: "ANALYTICS.PUBLIC.EVENTS"})
	assert.Contains(t, g.Edges, Edge{From: "ANALYTICS.PUBLIC.ACTIVITY", To: "ANALYTICS.PUBLIC.SWAPS"})
}

func TestBuildGraphIgnoresExternalReferences(t *testing.T) {
	snap := &Snapshot{
		Database: "ANALYTICS",
		Objects: []Object{
			{
				Database: "ANALYTICS", Schema: "PUBLIC", Name: "V", Kind: "view",
				DDL: "CREATE VIEW V AS SELECT * FROM OTHER_DB.S.UNKNOWN_TABLE",
			},
		},
	}
	g := BuildGraph(snap)
	assert.Empty(t, g.Edges)
}

func TestGraphDOT(t *testing.T) {
	g := BuildGraph(snapshotFixture())
	dot := g.DOT()
	assert.Contains(t, dot, "digraph catalog {")
	assert.Contains(t, dot, `"ANALYTICS.PUBLIC.DAILY_EVENTS" -> "ANALYTICS.PUBLIC.EVENTS";`)
}

func TestFilterSchemaKeepsNeighbors(t *testing.T) {
	snap := &Snapshot{
		Database: "ANALYTICS",
		Objects: []Object{
			{Database: "ANALYTICS", Schema: "RAW", Name: "EVENTS", Kind: "table"},
			{Database: "ANALYTICS", Schema: "MART", Name: "ORDERS", Kind: "table"},
			{
				Database: "ANALYTICS", Schema: "MART", Name: "DAILY", Kind: "view",
				DDL: "CREATE VIEW DAILY AS SELECT * FROM RAW.EVENTS",
			},
		},
	}
	g := BuildGraph(snap)

	mart := g.FilterSchema("mart")
	assert.ElementsMatch(t, []string{
		"ANALYTICS.MART.DAILY",
		"ANALYTICS.MART.ORDERS",
		"ANALYTICS.RAW.EVENTS", // cross-schema neighbor of DAILY
	}, mart.Nodes)
	require.Len(t, mart.Edges, 1)
	assert.Equal(t, Edge{From: "ANALYTICS.MART.DAILY", To: "ANALYTICS.RAW.EVENTS"}, mart.Edges[0])

	raw := g.FilterSchema("RAW")
	assert.Contains(t, raw.Nodes, "ANALYTICS.MART.DAILY")
	require.Len(t, raw.Edges, 1)
}
