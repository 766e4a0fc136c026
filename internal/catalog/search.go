package catalog

import (
	"sort"
	"strings"
)

// SearchRequest filters catalog objects across built databases.
type SearchRequest struct {
	Query    string   // substring matched against name, schema and comment
	Kinds    []string // table, view, function, procedure; empty = all
	Database string   // restrict to one database; empty = all built
	Limit    int      // default 50
}

// SearchHit is one match, ranked name-match before comment-match.
type SearchHit struct {
	Database string `json:"database"`
	Schema   string `json:"schema"`
	Name     string `json:"name"`
	Kind     string `json:"kind"`
	Comment  string `json:"comment,omitempty"`
	Columns  int    `json:"columns,omitempty"`
	MatchOn  string `json:"match_on"` // name, schema, comment, column
}

// SearchResult carries hits plus the pre-limit match count.
type SearchResult struct {
	Hits         []SearchHit `json:"hits"`
	TotalMatched int         `json:"total_matched"`
	Databases    []string    `json:"databases_searched"`
}

// Search scans built catalogs on disk; it never touches the warehouse.
func Search(root string, req SearchRequest) (*SearchResult, error) {
	limit := req.Limit
	if limit <= 0 {
		limit = 50
	}

	var dbs []string
	if req.Database != "" {
		dbs = []string{req.Database}
	} else {
		var err error
		dbs, err = ListBuilt(root)
		if err != nil {
			return nil, err
		}
	}

	kinds := map[string]bool{}
	for _, k := range req.Kinds {
		kinds[strings.ToLower(k)] = true
	}
	needle := strings.ToUpper(strings.TrimSpace(req.Query))

	res := &SearchResult{Databases: dbs}
	var hits []SearchHit
	for _, db := range dbs {
		snap, err := LoadSnapshot(root, db)
		if err != nil {
			continue
		}
		for _, o := range snap.Objects {
			if len(kinds) > 0 && !kinds[o.Kind] {
				continue
			}
			matchOn := match(o, needle)
			if matchOn == "" {
				continue
			}
			hits = append(hits, SearchHit{
				Database: o.Database,
				Schema:   o.Schema,
				Name:     o.Name,
				Kind:     o.Kind,
				Comment:  o.Comment,
				Columns:  len(o.Columns),
				MatchOn:  matchOn,
			})
		}
	}

	rank := map[string]int{"name": 0, "schema": 1, "column": 2, "comment": 3}
	sort.SliceStable(hits, func(i, j int) bool {
		if rank[hits[i].MatchOn] != rank[hits[j].MatchOn] {
			return rank[hits[i].MatchOn] < rank[hits[j].MatchOn]
		}
		return hits[i].Name < hits[j].Name
	})

	res.TotalMatched = len(hits)
	if len(hits) > limit {
		hits = hits[:limit]
	}
	res.Hits = hits
	return res, nil
}

func match(o Object, needle string) string {
	if needle == "" {
		return "name"
	}
	if strings.Contains(strings.ToUpper(o.Name), needle) {
		return "name"
	}
	if strings.Contains(strings.ToUpper(o.Schema), needle) {
		return "schema"
	}
	for _, c := range o.Columns {
		if strings.Contains(strings.ToUpper(c.Name), needle) {
			return "column"
		}
	}
	if strings.Contains(strings.ToUpper(o.Comment), needle) {
		return "comment"
	}
	return ""
}
