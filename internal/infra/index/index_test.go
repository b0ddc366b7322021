package index

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mcpbridge/internal/domain"
)

const sampleDocument = `{
  "lastUpdated": "2026-08-01T12:00:00Z",
  "servers": [
    {
      "id": "docs-server",
      "name": "Documentation Server",
      "description": "Serves internal documentation",
      "category": "knowledge",
      "tools": [
        {"name": "search_docs", "description": "Full text search over documentation", "parameters": {"query": "string"}},
        {"name": "get_doc", "description": "Fetch a document by id", "parameters": {"id": "string"}}
      ]
    },
    {
      "id": "mail-server",
      "name": "Mail Gateway",
      "description": "Outbound email delivery",
      "category": "Messaging",
      "tools": [
        {"name": "send_email", "description": "Send an email to a recipient", "parameters": {"to": "string", "body": "string"}, "mutating": true}
      ]
    }
  ]
}`

func TestLoad_Valid(t *testing.T) {
	snapshot, err := Load([]byte(sampleDocument))
	require.NoError(t, err)

	require.Len(t, snapshot.Servers, 2)
	assert.Equal(t, "docs-server", snapshot.Servers[0].ID)
	assert.Equal(t, "mail-server", snapshot.Servers[1].ID)
	assert.Len(t, snapshot.Servers[0].Tools, 2)
	assert.True(t, snapshot.Servers[1].Tools[0].Mutating)
	assert.Equal(t, time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC), snapshot.LastUpdated)
}

func TestLoad_DefaultsLastUpdated(t *testing.T) {
	before := time.Now().UTC()
	snapshot, err := Load([]byte(`{"servers": []}`))
	require.NoError(t, err)
	assert.False(t, snapshot.LastUpdated.Before(before))
}

func TestLoad_Rejects(t *testing.T) {
	cases := []struct {
		name   string
		source string
	}{
		{"malformed json", `{"servers": [`},
		{"invalid lastUpdated", `{"lastUpdated": "yesterday", "servers": []}`},
		{"server missing id", `{"servers": [{"name": "x"}]}`},
		{"duplicate server id", `{"servers": [{"id": "a"}, {"id": "a"}]}`},
		{"tool missing name", `{"servers": [{"id": "a", "tools": [{"description": "d"}]}]}`},
		{"duplicate tool name", `{"servers": [{"id": "a", "tools": [{"name": "t"}, {"name": "t"}]}]}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load([]byte(tc.source))
			require.Error(t, err)
			assert.ErrorIs(t, err, domain.ErrMalformedIndex)
			code, ok := domain.CodeFrom(err)
			require.True(t, ok)
			assert.Equal(t, domain.CodeInvalidArgument, code)
		})
	}
}

func TestRefresh_RejectedKeepsPriorSnapshot(t *testing.T) {
	idx := New(nil)
	require.NoError(t, idx.Refresh([]byte(sampleDocument)))

	err := idx.Refresh([]byte(`{"servers": [{"id": "a"}, {"id": "a"}]}`))
	require.Error(t, err)

	snapshot := idx.Snapshot()
	require.Len(t, snapshot.Servers, 2)
	assert.Equal(t, "docs-server", snapshot.Servers[0].ID)
}

func TestServerByID(t *testing.T) {
	idx := New(nil)
	require.NoError(t, idx.Refresh([]byte(sampleDocument)))

	server, ok := idx.ServerByID("mail-server")
	require.True(t, ok)
	assert.Equal(t, "Mail Gateway", server.Name)

	_, ok = idx.ServerByID("unknown")
	assert.False(t, ok)
}

func TestServersByCategory_CaseInsensitive(t *testing.T) {
	idx := New(nil)
	require.NoError(t, idx.Refresh([]byte(sampleDocument)))

	matched := idx.ServersByCategory("messaging")
	require.Len(t, matched, 1)
	assert.Equal(t, "mail-server", matched[0].ID)

	assert.Empty(t, idx.ServersByCategory("storage"))
}

func TestSearchServers(t *testing.T) {
	idx := New(nil)
	require.NoError(t, idx.Refresh([]byte(sampleDocument)))

	// Matches through a tool description.
	matched := idx.SearchServers("recipient")
	require.Len(t, matched, 1)
	assert.Equal(t, "mail-server", matched[0].ID)

	// Matches through the server name, any case.
	matched = idx.SearchServers("DOCUMENTATION")
	require.Len(t, matched, 1)
	assert.Equal(t, "docs-server", matched[0].ID)

	assert.Empty(t, idx.SearchServers(""))
	assert.Empty(t, idx.SearchServers("   "))
}

func TestAllTools_PublishedOrder(t *testing.T) {
	idx := New(nil)
	require.NoError(t, idx.Refresh([]byte(sampleDocument)))

	tools := idx.AllTools()
	require.Len(t, tools, 3)

	names := make([]string, 0, len(tools))
	for _, st := range tools {
		names = append(names, st.Tool.Name)
	}
	if diff := cmp.Diff([]string{"search_docs", "get_doc", "send_email"}, names); diff != "" {
		t.Fatalf("tool order mismatch (-want +got):\n%s", diff)
	}
}

func TestMetadata(t *testing.T) {
	idx := New(nil)
	require.NoError(t, idx.Refresh([]byte(sampleDocument)))

	meta := idx.Metadata()
	assert.Equal(t, 2, meta.ServerCount)
	assert.Equal(t, 3, meta.ToolCount)
	assert.Equal(t, []string{"Messaging", "knowledge"}, meta.Categories)
}

func TestConcurrentReadsDuringRefresh(t *testing.T) {
	idx := New(nil)
	require.NoError(t, idx.Refresh([]byte(sampleDocument)))

	altDocument := fmt.Sprintf(`{
      "lastUpdated": "2026-08-02T12:00:00Z",
      "servers": [%s]
    }`, `{"id": "solo", "name": "Solo", "category": "misc", "tools": [{"name": "only_tool"}]}`)

	var wg sync.WaitGroup
	stop := make(chan struct{})

	// Writer flips between the two documents.
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			default:
			}
			if i%2 == 0 {
				_ = idx.Refresh([]byte(altDocument))
			} else {
				_ = idx.Refresh([]byte(sampleDocument))
			}
		}
	}()

	// Readers must always observe one document or the other, never a blend.
	for r := 0; r < 50; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				snapshot := idx.Snapshot()
				switch len(snapshot.Servers) {
				case 1:
					assert.Equal(t, "solo", snapshot.Servers[0].ID)
				case 2:
					assert.Equal(t, "docs-server", snapshot.Servers[0].ID)
					assert.Equal(t, "mail-server", snapshot.Servers[1].ID)
				default:
					t.Errorf("inconsistent snapshot: %d servers", len(snapshot.Servers))
				}
			}
		}()
	}

	time.Sleep(50 * time.Millisecond)
	close(stop)
	wg.Wait()
}
