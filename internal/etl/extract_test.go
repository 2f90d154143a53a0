package etl

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/tmig/internal/domain"
)

func TestExtractIncrementalNarrowsToChangedCases(t *testing.T) {
	h := newHarness(t)
	h.seedSource()
	since := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	e := h.executor(t, func(c *Config) {
		c.Incremental = true
		c.Since = since
	})

	h.source.SetChanged(domain.EntityTestCases, "tc-2")

	out, err := e.Extract(context.Background())
	require.NoError(t, err)

	// Only the changed case and the folder it needs are pulled.
	assert.Equal(t, 1, out[domain.EntityFolders].Succeeded)
	assert.Equal(t, 1, out[domain.EntityTestCases].Succeeded)
	assert.Equal(t, 0, out[domain.EntityTestCycles].Succeeded)
	assert.Equal(t, 0, out[domain.EntityTestExecutions].Succeeded)

	folders, err := h.store.GetFolders()
	require.NoError(t, err)
	require.Len(t, folders, 1)
	assert.Equal(t, "f-2", folders[0].ID)

	tc, err := h.store.GetTestCase("tc-2")
	require.NoError(t, err)
	require.NotNil(t, tc)
	untouched, err := h.store.GetTestCase("tc-1")
	require.NoError(t, err)
	assert.Nil(t, untouched)

	// The cutoff reached the source and the plan is flagged incremental.
	assert.True(t, h.source.LastChangedSince.Equal(since))
	batches, err := h.store.GetEntityBatches(domain.EntityTestCases)
	require.NoError(t, err)
	require.NotEmpty(t, batches)
	for _, b := range batches {
		assert.True(t, b.IsIncremental)
	}

	// Dependency resolution walks each listing once; the extract
	// operations reuse it.
	assert.Equal(t, 4, h.source.Calls("ChangedIDs"))
	assert.Equal(t, 1, h.source.Calls("GetTestCases"))
	assert.Equal(t, 1, h.source.Calls("GetTestExecutions"))
}

func TestExtractIncrementalPullsExecutionDependencies(t *testing.T) {
	h := newHarness(t)
	h.seedSource()
	e := h.executor(t, func(c *Config) {
		c.Incremental = true
		c.Since = time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	})

	// A changed execution drags in its case, its cycle, and the case's
	// folder, or later phases could not link it.
	h.source.SetChanged(domain.EntityTestExecutions, "ex-1")

	out, err := e.Extract(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, out[domain.EntityFolders].Succeeded)
	assert.Equal(t, 1, out[domain.EntityTestCases].Succeeded)
	assert.Equal(t, 1, out[domain.EntityTestCycles].Succeeded)
	assert.Equal(t, 1, out[domain.EntityTestExecutions].Succeeded)

	te, err := h.store.GetTestExecution("ex-1")
	require.NoError(t, err)
	require.NotNil(t, te)
	tc, err := h.store.GetTestCase("tc-1")
	require.NoError(t, err)
	require.NotNil(t, tc)
	cy, err := h.store.GetTestCycle("cy-1")
	require.NoError(t, err)
	require.NotNil(t, cy)

	other, err := h.store.GetTestCase("tc-2")
	require.NoError(t, err)
	assert.Nil(t, other)
}

func TestExtractFullRunIgnoresChangeFeed(t *testing.T) {
	h := newHarness(t)
	h.seedSource()
	h.source.SetChanged(domain.EntityTestCases, "tc-2")
	e := h.executor(t)

	out, err := e.Extract(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, out[domain.EntityTestCases].Succeeded)
	assert.Equal(t, 0, h.source.Calls("ChangedIDs"))
}

func TestExtractStepsComeFromSubRequests(t *testing.T) {
	h := newHarness(t)
	h.seedSource()
	e := h.executor(t)

	_, err := e.Extract(context.Background())
	require.NoError(t, err)

	// One steps call per case.
	assert.Equal(t, 2, h.source.Calls("GetTestSteps"))
	assert.Equal(t, 2, h.source.Calls("DownloadAttachment"))

	tc, err := h.store.GetTestCase("tc-2")
	require.NoError(t, err)
	require.NotNil(t, tc)
	require.Len(t, tc.Steps, 2)
	assert.Equal(t, "press logout", tc.Steps[0].Description)
}
