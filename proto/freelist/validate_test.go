package freelist

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate_AcceptsNormalCycle(t *testing.T) {
	p := newTestPool(t, 32, 4, 2, true)
	p.Step(&StepInput{Lanes: requests(2, 0, 1)}) // 1, 2

	lanes := requests(2, 0)
	lanes[0].Free = true
	lanes[0].FreeID = 1
	lanes[1].BranchStart = true
	lanes[1].BranchTag = 3
	lanes[1].Commit = true
	lanes[1].CommitNewID = 2
	lanes[1].CommitSupersededID = Sentinel
	assert.NoError(t, p.Validate(&StepInput{Lanes: lanes}))
}

func TestValidate_Violations(t *testing.T) {
	tests := []struct {
		name  string
		build func(p *Pool) *StepInput
		want  error
	}{
		{
			name: "lane count",
			build: func(p *Pool) *StepInput {
				return &StepInput{Lanes: requests(3)}
			},
			want: ErrLaneCount,
		},
		{
			name: "free of sentinel",
			build: func(p *Pool) *StepInput {
				l := requests(2)
				l[0].Free = true
				l[0].FreeID = Sentinel
				return &StepInput{Lanes: l}
			},
			want: ErrSentinelSlot,
		},
		{
			name: "rollback out of range",
			build: func(p *Pool) *StepInput {
				l := requests(2)
				l[1].Rollback = true
				l[1].RollbackID = 40
				return &StepInput{Lanes: l}
			},
			want: ErrBadSlot,
		},
		{
			name: "free of a free slot",
			build: func(p *Pool) *StepInput {
				l := requests(2)
				l[0].Free = true
				l[0].FreeID = 20
				return &StepInput{Lanes: l}
			},
			want: ErrDoubleFree,
		},
		{
			name: "same slot freed by two lanes",
			build: func(p *Pool) *StepInput {
				p.free.Clear(7)
				l := requests(2)
				l[0].Free = true
				l[0].FreeID = 7
				l[1].Rollback = true
				l[1].RollbackID = 7
				return &StepInput{Lanes: l}
			},
			want: ErrDoubleFree,
		},
		{
			name: "claim of a free slot",
			build: func(p *Pool) *StepInput {
				l := requests(2)
				l[0].Claimed = true
				l[0].ClaimedID = 5
				return &StepInput{Lanes: l}
			},
			want: ErrBadSlot,
		},
		{
			name: "branch tag out of range",
			build: func(p *Pool) *StepInput {
				l := requests(2)
				l[0].BranchStart = true
				l[0].BranchTag = 4
				return &StepInput{Lanes: l}
			},
			want: ErrBadTag,
		},
		{
			name: "tag opened twice",
			build: func(p *Pool) *StepInput {
				l := requests(2)
				l[0].BranchStart = true
				l[0].BranchTag = 1
				l[1].BranchStart = true
				l[1].BranchTag = 1
				return &StepInput{Lanes: l}
			},
			want: ErrBadTag,
		},
		{
			name: "commit of sentinel",
			build: func(p *Pool) *StepInput {
				l := requests(2)
				l[0].Commit = true
				l[0].CommitNewID = Sentinel
				return &StepInput{Lanes: l}
			},
			want: ErrSentinelSlot,
		},
		{
			name: "mispredict on a tag never captured",
			build: func(p *Pool) *StepInput {
				return &StepInput{Lanes: requests(2), Mispredict: true, MispredictTag: 2}
			},
			want: ErrUnknownTag,
		},
		{
			name: "mispredict tag out of range",
			build: func(p *Pool) *StepInput {
				return &StepInput{Lanes: requests(2), Mispredict: true, MispredictTag: 9}
			},
			want: ErrBadTag,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			p := newTestPool(t, 32, 4, 2, true)
			err := p.Validate(tc.build(p))
			require.Error(t, err)
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestValidate_FlushWithoutShadow(t *testing.T) {
	p := newTestPool(t, 32, 4, 2, false)
	err := p.Validate(&StepInput{Lanes: requests(2), Flush: true})
	assert.ErrorIs(t, err, ErrNoCommitted)
}

func TestValidate_ReportsEveryViolation(t *testing.T) {
	p := newTestPool(t, 32, 4, 2, true)
	l := requests(2)
	l[0].Free = true
	l[0].FreeID = Sentinel
	l[1].BranchStart = true
	l[1].BranchTag = 200

	err := p.Validate(&StepInput{Lanes: l})
	assert.ErrorIs(t, err, ErrSentinelSlot)
	assert.ErrorIs(t, err, ErrBadTag)
}

func TestStep_IgnoresOutOfRangeIDs(t *testing.T) {
	// WHAT: Step on an invalid input must not grow or corrupt the bitmaps
	p := newTestPool(t, 32, 4, 2, true)
	l := requests(2)
	l[0].Free = true
	l[0].FreeID = 500
	l[1].Claimed = true
	l[1].ClaimedID = 600
	p.Step(&StepInput{Lanes: l})

	assert.Equal(t, uint(32), p.Free().Len())
	assert.Equal(t, 31, p.FreeCount())
}
