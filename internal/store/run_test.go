package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteRun_ListRuns(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)

	a, err := s.WritePlan(ctx, PlanRecord{GraphHash: "a", OptionsHash: "o"}, testDocument("a"))
	require.NoError(t, err)
	b, err := s.WritePlan(ctx, PlanRecord{GraphHash: "b", OptionsHash: "o"}, testDocument("b"))
	require.NoError(t, err)

	runs := []RunRecord{
		{ID: "r3", PlanID: a.ID, Seq: 5, RecordsIn: 3, RecordsOut: 1, Status: RunOK},
		{ID: "r1", PlanID: a.ID, Seq: 3, RecordsIn: 10, RecordsOut: 4, Status: RunOK},
		{ID: "r2", PlanID: b.ID, Seq: 4, Status: RunFailed, Error: "MISSING_INPUT: no records for orders"},
	}
	for _, r := range runs {
		require.NoError(t, s.WriteRun(ctx, r))
	}
	// Duplicate ids are ignored.
	require.NoError(t, s.WriteRun(ctx, RunRecord{ID: "r1", PlanID: a.ID, Seq: 99, Status: RunFailed}))

	all, err := s.ListRuns(ctx, "")
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []string{"r1", "r2", "r3"}, []string{all[0].ID, all[1].ID, all[2].ID})
	assert.Equal(t, runs[1], all[0])
	assert.Equal(t, runs[2], all[1])

	forA, err := s.ListRuns(ctx, a.ID)
	require.NoError(t, err)
	assert.Len(t, forA, 2)

	last, err := s.LastSeq(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(5), last)
}

func TestWriteRun_RequiresPlan(t *testing.T) {
	s := createTestStore(t)
	err := s.WriteRun(context.Background(), RunRecord{ID: "r", PlanID: "missing", Seq: 1, Status: RunOK})
	assert.Error(t, err, "foreign key must reject runs of unknown plans")
}

func TestWriteRun_RejectsUnknownStatus(t *testing.T) {
	s := createTestStore(t)
	err := s.WriteRun(context.Background(), RunRecord{ID: "r", PlanID: "p", Seq: 1, Status: "done"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"done"`)
}

func TestWritePlan_SeqFollowsRuns(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)

	p, err := s.WritePlan(ctx, PlanRecord{GraphHash: "a", OptionsHash: "o"}, testDocument("a"))
	require.NoError(t, err)
	require.NoError(t, s.WriteRun(ctx, RunRecord{ID: "r", PlanID: p.ID, Seq: 7, Status: RunOK}))

	q, err := s.WritePlan(ctx, PlanRecord{GraphHash: "b", OptionsHash: "o"}, testDocument("b"))
	require.NoError(t, err)
	assert.Equal(t, int64(8), q.CreatedAtSeq)
}
