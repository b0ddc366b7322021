package index

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"mcpbridge/internal/domain"
)

// Index holds the active capability snapshot. Readers always observe a
// complete snapshot; Refresh swaps the pointer, never mutates in place.
type Index struct {
	logger   *zap.Logger
	snapshot atomic.Pointer[domain.IndexSnapshot]
}

func New(logger *zap.Logger) *Index {
	if logger == nil {
		logger = zap.NewNop()
	}
	idx := &Index{logger: logger.Named("index")}
	idx.snapshot.Store(&domain.IndexSnapshot{})
	return idx
}

type rawDocument struct {
	LastUpdated string      `json:"lastUpdated"`
	Servers     []rawServer `json:"servers"`
}

type rawServer struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Category    string    `json:"category"`
	Tools       []rawTool `json:"tools"`
}

type rawTool struct {
	Name        string            `json:"name"`
	Description string            `json:"description"`
	Parameters  map[string]string `json:"parameters"`
	Mutating    bool              `json:"mutating"`
}

// Load parses and validates a capability document without publishing it.
func Load(source []byte) (*domain.IndexSnapshot, error) {
	const op = "index load"

	var doc rawDocument
	if err := json.Unmarshal(source, &doc); err != nil {
		return nil, domain.E(domain.CodeInvalidArgument, op,
			fmt.Sprintf("%v: %v", domain.ErrMalformedIndex, err), domain.ErrMalformedIndex)
	}

	lastUpdated := time.Now().UTC()
	if doc.LastUpdated != "" {
		parsed, err := time.Parse(time.RFC3339, doc.LastUpdated)
		if err != nil {
			return nil, domain.E(domain.CodeInvalidArgument, op,
				fmt.Sprintf("%v: invalid lastUpdated %q", domain.ErrMalformedIndex, doc.LastUpdated), domain.ErrMalformedIndex)
		}
		lastUpdated = parsed
	}

	seen := make(map[string]struct{}, len(doc.Servers))
	servers := make([]domain.ServerDescriptor, 0, len(doc.Servers))
	for _, server := range doc.Servers {
		if server.ID == "" {
			return nil, domain.E(domain.CodeInvalidArgument, op,
				fmt.Sprintf("%v: server missing id", domain.ErrMalformedIndex), domain.ErrMalformedIndex)
		}
		if _, dup := seen[server.ID]; dup {
			return nil, domain.E(domain.CodeInvalidArgument, op,
				fmt.Sprintf("%v: duplicate server id %q", domain.ErrMalformedIndex, server.ID), domain.ErrMalformedIndex)
		}
		seen[server.ID] = struct{}{}

		tools := make([]domain.ToolDescriptor, 0, len(server.Tools))
		toolNames := make(map[string]struct{}, len(server.Tools))
		for _, tool := range server.Tools {
			if tool.Name == "" {
				return nil, domain.E(domain.CodeInvalidArgument, op,
					fmt.Sprintf("%v: server %q has a tool without a name", domain.ErrMalformedIndex, server.ID), domain.ErrMalformedIndex)
			}
			if _, dup := toolNames[tool.Name]; dup {
				return nil, domain.E(domain.CodeInvalidArgument, op,
					fmt.Sprintf("%v: server %q duplicates tool %q", domain.ErrMalformedIndex, server.ID, tool.Name), domain.ErrMalformedIndex)
			}
			toolNames[tool.Name] = struct{}{}
			tools = append(tools, domain.ToolDescriptor{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.Parameters,
				Mutating:    tool.Mutating,
			})
		}

		servers = append(servers, domain.ServerDescriptor{
			ID:          server.ID,
			Name:        server.Name,
			Description: server.Description,
			Category:    server.Category,
			Tools:       tools,
		})
	}

	return &domain.IndexSnapshot{
		Servers:     servers,
		LastUpdated: lastUpdated,
	}, nil
}

// Refresh builds a snapshot from source and atomically replaces the active
// one. A failed build retains the prior snapshot untouched.
func (i *Index) Refresh(source []byte) error {
	snapshot, err := Load(source)
	if err != nil {
		i.logger.Warn("index refresh rejected", zap.Error(err))
		return err
	}
	i.snapshot.Store(snapshot)
	toolCount := 0
	for _, server := range snapshot.Servers {
		toolCount += len(server.Tools)
	}
	i.logger.Info("index refreshed",
		zap.Int("servers", len(snapshot.Servers)),
		zap.Int("tools", toolCount),
		zap.Time("lastUpdated", snapshot.LastUpdated),
	)
	return nil
}

// Snapshot returns the active snapshot. Callers must not mutate it.
func (i *Index) Snapshot() *domain.IndexSnapshot {
	return i.snapshot.Load()
}

// ServerByID returns the descriptor for id from the active snapshot.
func (i *Index) ServerByID(id string) (domain.ServerDescriptor, bool) {
	for _, server := range i.Snapshot().Servers {
		if server.ID == id {
			return server, true
		}
	}
	return domain.ServerDescriptor{}, false
}

// ServersByCategory returns servers whose category equals category,
// case-insensitively.
func (i *Index) ServersByCategory(category string) []domain.ServerDescriptor {
	var matched []domain.ServerDescriptor
	for _, server := range i.Snapshot().Servers {
		if strings.EqualFold(server.Category, category) {
			matched = append(matched, server)
		}
	}
	return matched
}

// SearchServers returns servers where keyword appears, case-insensitively,
// in the server name or description or in any owned tool's name or
// description.
func (i *Index) SearchServers(keyword string) []domain.ServerDescriptor {
	needle := strings.ToLower(strings.TrimSpace(keyword))
	if needle == "" {
		return nil
	}
	var matched []domain.ServerDescriptor
	for _, server := range i.Snapshot().Servers {
		if serverMatches(server, needle) {
			matched = append(matched, server)
		}
	}
	return matched
}

func serverMatches(server domain.ServerDescriptor, needle string) bool {
	if strings.Contains(strings.ToLower(server.Name), needle) ||
		strings.Contains(strings.ToLower(server.Description), needle) {
		return true
	}
	for _, tool := range server.Tools {
		if strings.Contains(strings.ToLower(tool.Name), needle) ||
			strings.Contains(strings.ToLower(tool.Description), needle) {
			return true
		}
	}
	return false
}

// AllTools returns every tool paired with its server id, in published
// server order then tool order. Stable across calls on one snapshot.
func (i *Index) AllTools() []domain.ServerTool {
	snapshot := i.Snapshot()
	var tools []domain.ServerTool
	for _, server := range snapshot.Servers {
		for _, tool := range server.Tools {
			tools = append(tools, domain.ServerTool{ServerID: server.ID, Tool: tool})
		}
	}
	return tools
}

// Metadata summarizes the active snapshot.
func (i *Index) Metadata() domain.IndexMetadata {
	snapshot := i.Snapshot()
	toolCount := 0
	categorySet := make(map[string]struct{})
	for _, server := range snapshot.Servers {
		toolCount += len(server.Tools)
		if server.Category != "" {
			categorySet[server.Category] = struct{}{}
		}
	}
	categories := make([]string, 0, len(categorySet))
	for category := range categorySet {
		categories = append(categories, category)
	}
	sort.Strings(categories)
	return domain.IndexMetadata{
		LastUpdated: snapshot.LastUpdated,
		ServerCount: len(snapshot.Servers),
		ToolCount:   toolCount,
		Categories:  categories,
	}
}
