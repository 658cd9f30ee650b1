// Copyright 2026 fanjia1024

package catalog

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"playbook-platform/internal/playbook"
	pkgerrors "playbook-platform/pkg/errors"
	"playbook-platform/pkg/snowflake"
)

const registerYAML = `
apiVersion: v1
kind: Playbook
metadata:
  path: demo/simple
workflow:
  - step: start
    next:
      - step: work
  - step: work
    type: python
    code: "def main(): return 1"
`

func newTestCatalog(t *testing.T) *Catalog {
	t.Helper()
	gen, err := snowflake.NewGenerator(3)
	require.NoError(t, err)
	return New(NewMemoryStore(), gen)
}

func TestRegisterAndFetch(t *testing.T) {
	c := newTestCatalog(t)
	ctx := context.Background()

	entry, err := c.Register(ctx, registerYAML, "")
	require.NoError(t, err)
	assert.Equal(t, "demo/simple", entry.Path)
	assert.Equal(t, 1, entry.Version)
	assert.Equal(t, playbook.KindPlaybook, entry.Kind)
	assert.NotZero(t, entry.CatalogID)

	byID, err := c.FetchByID(ctx, entry.CatalogID)
	require.NoError(t, err)
	assert.Equal(t, entry.Content, byID.Content)

	latest, err := c.FetchByPath(ctx, "demo/simple", 0)
	require.NoError(t, err)
	assert.Equal(t, entry.CatalogID, latest.CatalogID)
}

func TestRegisterBumpsVersion(t *testing.T) {
	c := newTestCatalog(t)
	ctx := context.Background()

	first, err := c.Register(ctx, registerYAML, "")
	require.NoError(t, err)
	second, err := c.Register(ctx, registerYAML, "")
	require.NoError(t, err)
	assert.Equal(t, first.Version+1, second.Version)

	// latest 指向新版本，指定版本仍可取
	latest, err := c.FetchByPath(ctx, "demo/simple", 0)
	require.NoError(t, err)
	assert.Equal(t, second.CatalogID, latest.CatalogID)

	v1, err := c.FetchByPath(ctx, "demo/simple", 1)
	require.NoError(t, err)
	assert.Equal(t, first.CatalogID, v1.CatalogID)
}

func TestRegisterSynthesizesEndStep(t *testing.T) {
	c := newTestCatalog(t)

	entry, err := c.Register(context.Background(), registerYAML, "")
	require.NoError(t, err)

	pb, err := entry.Playbook()
	require.NoError(t, err)
	assert.True(t, pb.HasEndStep())

	wf, ok := entry.Payload["workflow"].([]interface{})
	require.True(t, ok)
	last, ok := wf[len(wf)-1].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "end", last["step"])
}

func TestRegisterErrors(t *testing.T) {
	c := newTestCatalog(t)
	ctx := context.Background()

	_, err := c.Register(ctx, "workflow: [broken", "")
	assert.ErrorIs(t, err, pkgerrors.ErrInvalidPlaybook)

	_, err = c.Register(ctx, "kind: Playbook\nworkflow:\n  - step: start\n", "")
	assert.ErrorIs(t, err, pkgerrors.ErrMissingPath)

	noStart := `
kind: Playbook
metadata:
  path: demo/nostart
workflow:
  - step: work
    type: http
`
	_, err = c.Register(ctx, noStart, "")
	assert.ErrorIs(t, err, pkgerrors.ErrInvalidPlaybook)
}

func TestFetchNotFound(t *testing.T) {
	c := newTestCatalog(t)
	ctx := context.Background()

	_, err := c.FetchByID(ctx, 42)
	assert.ErrorIs(t, err, pkgerrors.ErrNotFound)

	_, err = c.FetchByPath(ctx, "no/such", 0)
	assert.ErrorIs(t, err, pkgerrors.ErrNotFound)
}

func TestList(t *testing.T) {
	c := newTestCatalog(t)
	ctx := context.Background()

	_, err := c.Register(ctx, registerYAML, "")
	require.NoError(t, err)
	toolYAML := "kind: Tool\nmetadata:\n  path: tools/echo\n"
	_, err = c.Register(ctx, toolYAML, "")
	require.NoError(t, err)

	all, err := c.List(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	tools, err := c.List(ctx, playbook.KindTool)
	require.NoError(t, err)
	require.Len(t, tools, 1)
	assert.Equal(t, "tools/echo", tools[0].Path)
}
