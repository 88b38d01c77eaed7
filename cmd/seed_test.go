package main

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/archive-flow/internal/model"
	"github.com/sells-group/archive-flow/internal/store"
)

const seedYAML = `
- id: REEL-9
  title: Harbour at dawn
  duration_seconds: 95
  enrichment_url: https://archive.example/reels/9
  children:
    - id: REEL-9-001
      status: captioned
- id: STILL-3
  status: Awaiting User Input
`

func TestSeed(t *testing.T) {
	var items []seedItem
	require.NoError(t, yaml.Unmarshal([]byte(seedYAML), &items))
	st := store.NewMemory()

	n, err := seed(context.Background(), st, items)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	reel, err := st.FindByID(context.Background(), "REEL-9")
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, reel.Status)
	assert.InDelta(t, 95.0, reel.DurationSeconds, 0.001)

	children, err := st.FindByParent(context.Background(), "REEL-9")
	require.NoError(t, err)
	require.Len(t, children, 1)
	assert.Equal(t, model.StatusCaptioned, children[0].Status)

	still, err := st.FindByID(context.Background(), "STILL-3")
	require.NoError(t, err)
	assert.Equal(t, model.StatusAwaitingUserInput, still.Status)
}

func TestSeed_MissingID(t *testing.T) {
	n, err := seed(context.Background(), store.NewMemory(), []seedItem{{ID: "A"}, {Title: "no id"}})
	assert.Error(t, err)
	assert.Equal(t, 1, n)
}
