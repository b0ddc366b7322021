package matcher

import (
	"sort"
	"strings"

	"mcpbridge/internal/domain"
)

const (
	toolWeight   = 2
	serverWeight = 1
)

// Snapshotter provides the capability snapshot the matcher ranks against.
type Snapshotter interface {
	Snapshot() *domain.IndexSnapshot
}

// Matcher ranks tools against a free-text query. Scoring is purely lexical
// and deterministic: identical queries against one snapshot always produce
// the same ranked order.
type Matcher struct {
	index Snapshotter
}

func New(index Snapshotter) *Matcher {
	return &Matcher{index: index}
}

// FindTools scores every tool in the active snapshot against query.
// A query token scores toolWeight when it is a substring of the tool's
// name or description, and serverWeight when it is a substring of the
// owning server's name or description. Zero-score tools are excluded.
// Order: score desc, then server id asc, then tool name asc.
func (m *Matcher) FindTools(query string) []domain.ToolMatch {
	tokens := Tokenize(query)
	if len(tokens) == 0 {
		return nil
	}

	snapshot := m.index.Snapshot()
	var matches []domain.ToolMatch
	for _, server := range snapshot.Servers {
		serverText := strings.ToLower(server.Name + " " + server.Description)
		serverHits := 0
		for _, token := range tokens {
			if strings.Contains(serverText, token) {
				serverHits++
			}
		}
		for _, tool := range server.Tools {
			toolText := strings.ToLower(tool.Name + " " + tool.Description)
			toolHits := 0
			for _, token := range tokens {
				if strings.Contains(toolText, token) {
					toolHits++
				}
			}
			score := toolHits*toolWeight + serverHits*serverWeight
			if score == 0 {
				continue
			}
			matches = append(matches, domain.ToolMatch{
				ServerID: server.ID,
				Tool:     tool,
				Score:    score,
			})
		}
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		if matches[i].ServerID != matches[j].ServerID {
			return matches[i].ServerID < matches[j].ServerID
		}
		return matches[i].Tool.Name < matches[j].Tool.Name
	})
	return matches
}

// Tokenize lowercases, trims, and splits query on whitespace, dropping
// duplicate tokens so repeated words cannot inflate scores.
func Tokenize(query string) []string {
	fields := strings.Fields(strings.ToLower(strings.TrimSpace(query)))
	if len(fields) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(fields))
	tokens := make([]string, 0, len(fields))
	for _, field := range fields {
		if _, dup := seen[field]; dup {
			continue
		}
		seen[field] = struct{}{}
		tokens = append(tokens, field)
	}
	return tokens
}
