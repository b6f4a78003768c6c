package atlassian

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeRootBase(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"https://example.atlassian.net", "https://example.atlassian.net"},
		{"https://example.atlassian.net/", "https://example.atlassian.net"},
		{"https://example.atlassian.net/wiki", "https://example.atlassian.net"},
		{"https://example.atlassian.net/wiki/", "https://example.atlassian.net"},
		{"https://host.example.com/jira/wiki?x=1", "https://host.example.com/jira"},
	}
	for _, tt := range tests {
		got, err := normalizeRootBase(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
		assert.Equal(t, tt.want+"/wiki", wikiBase(got))
	}

	for _, bad := range []string{"", "example.atlassian.net", "/wiki"} {
		_, err := normalizeRootBase(bad)
		assert.ErrorIs(t, err, ErrInvalidBaseURL, bad)
	}
}

func TestJiraKey(t *testing.T) {
	key, ok := JiraKey("https://example.atlassian.net/browse/est-42?focus=1")
	require.True(t, ok)
	assert.Equal(t, "EST-42", key)

	_, ok = JiraKey("https://example.atlassian.net/wiki/pages/123")
	assert.False(t, ok)
}

func TestPageID(t *testing.T) {
	tests := []struct {
		url  string
		want string
		ok   bool
	}{
		{"https://example.atlassian.net/wiki/pages/viewpage.action?pageId=98765", "98765", true},
		{"https://example.atlassian.net/wiki/spaces/ENG/pages/12345/Checkout+Redesign", "12345", true},
		{"https://example.atlassian.net/wiki/spaces/ENG/pages/12345", "12345", true},
		{"https://example.atlassian.net/wiki/spaces/ENG/overview", "", false},
	}
	for _, tt := range tests {
		got, ok := PageID(tt.url)
		assert.Equal(t, tt.ok, ok, tt.url)
		assert.Equal(t, tt.want, got, tt.url)
	}
}
