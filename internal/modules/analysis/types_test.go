package analysis

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/storyloom/core/internal/models"
)

func TestKindForItemIsTotal(t *testing.T) {
	cases := []struct {
		tag  string
		want AnalysisKind
	}{
		{"character", KindCharacter},
		{"plot", KindPlot},
		{"research", KindResearch},
		{"chapter", KindChapter},
		{"", KindResearch},
		{"worldbuilding", KindResearch},
		{"CHAPTER", KindResearch}, // tags are case-sensitive in the store
	}
	for _, tc := range cases {
		item := &models.ContentItemModel{Kind: tc.tag}
		assert.Equal(t, tc.want, KindForItem(item), "tag %q", tc.tag)
	}
	assert.Equal(t, KindResearch, KindForItem(nil))
}

func TestKindPromptsCoverEveryKind(t *testing.T) {
	for _, kind := range Kinds() {
		p, ok := kindPrompts[kind]
		require.True(t, ok, "kind %s has no prompt entry", kind)
		assert.NotEmpty(t, p.role)
		assert.NotEmpty(t, p.focus)

		system, prompt := buildAnalysisPrompt(kind, "content body", 1000)
		assert.Contains(t, system, p.role)
		assert.Contains(t, prompt, "content body")
	}
}

func TestUnmarshalAIJSONToleratesFences(t *testing.T) {
	var out struct {
		Insights []InsightPayload `json:"insights"`
	}

	fenced := "```json\n{\"insights\":[{\"type\":\"a\",\"summary\":\"s\",\"confidence\":0.5}]}\n```"
	require.NoError(t, unmarshalAIJSON(fenced, &out))
	require.Len(t, out.Insights, 1)

	prose := `Here is the analysis you asked for: {"insights":[{"type":"b","summary":"t"}]} hope it helps`
	out.Insights = nil
	require.NoError(t, unmarshalAIJSON(prose, &out))
	require.Len(t, out.Insights, 1)

	assert.Error(t, unmarshalAIJSON("no json here", &out))
}
