package assignment

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPickAgent(t *testing.T) {
	tests := []struct {
		name      string
		agents    []AgentLoad
		excluding string
		want      string
		ok        bool
	}{
		{name: "empty", agents: nil, ok: false},
		{
			name:   "least loaded wins",
			agents: []AgentLoad{{AgentID: "a", ActiveCount: 1}, {AgentID: "b", ActiveCount: 0}, {AgentID: "c", ActiveCount: 1}},
			want:   "b", ok: true,
		},
		{
			name:   "tie broken by id",
			agents: []AgentLoad{{AgentID: "zed", ActiveCount: 2}, {AgentID: "amy", ActiveCount: 2}, {AgentID: "bob", ActiveCount: 2}},
			want:   "amy", ok: true,
		},
		{
			name:      "excluding current holder",
			agents:    []AgentLoad{{AgentID: "a", ActiveCount: 0}, {AgentID: "b", ActiveCount: 3}},
			excluding: "a",
			want:      "b", ok: true,
		},
		{
			name:      "only holder left",
			agents:    []AgentLoad{{AgentID: "a", ActiveCount: 0}},
			excluding: "a",
			ok:        false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := PickAgent(tt.agents, tt.excluding)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPickAgentDeterministic(t *testing.T) {
	r := rand.New(rand.NewSource(7))
	for round := 0; round < 50; round++ {
		agents := make([]AgentLoad, 8)
		for i := range agents {
			agents[i] = AgentLoad{AgentID: fmt.Sprintf("agent-%d", i), ActiveCount: r.Intn(3)}
		}
		first, ok := PickAgent(agents, "agent-3")
		assert.True(t, ok)
		for i := 0; i < 10; i++ {
			shuffled := append([]AgentLoad(nil), agents...)
			r.Shuffle(len(shuffled), func(a, b int) { shuffled[a], shuffled[b] = shuffled[b], shuffled[a] })
			got, _ := PickAgent(shuffled, "agent-3")
			assert.Equal(t, first, got, "pick must not depend on input order")
		}
	}
}

func TestPickAgentBalancesLoad(t *testing.T) {
	for size := 1; size <= 6; size++ {
		agents := make([]AgentLoad, size)
		for i := range agents {
			agents[i] = AgentLoad{AgentID: fmt.Sprintf("a%d", i)}
		}
		for n := 0; n < 40; n++ {
			id, ok := PickAgent(agents, "")
			assert.True(t, ok)
			for i := range agents {
				if agents[i].AgentID == id {
					agents[i].ActiveCount++
				}
			}
			min, max := agents[0].ActiveCount, agents[0].ActiveCount
			for _, a := range agents {
				if a.ActiveCount < min {
					min = a.ActiveCount
				}
				if a.ActiveCount > max {
					max = a.ActiveCount
				}
			}
			assert.LessOrEqual(t, max-min, 1)
		}
	}
}

func TestRank(t *testing.T) {
	agents := []AgentLoad{
		{AgentID: "off-0", ActiveCount: 0, Online: false},
		{AgentID: "b", ActiveCount: 2, Online: true},
		{AgentID: "a", ActiveCount: 2, Online: true},
		{AgentID: "holder", ActiveCount: 0, Online: true},
		{AgentID: "c", ActiveCount: 1, Online: true},
	}
	ranked := Rank(agents, "holder")

	ids := make([]string, len(ranked))
	for i, a := range ranked {
		ids[i] = a.AgentID
	}
	assert.Equal(t, []string{"c", "a", "b", "off-0"}, ids)
	assert.Equal(t, "off-0", agents[0].AgentID, "input must stay untouched")
}

func TestWithinCapacity(t *testing.T) {
	agents := []AgentLoad{{AgentID: "a", ActiveCount: 2}, {AgentID: "b", ActiveCount: 3}}
	assert.Len(t, WithinCapacity(agents, 0), 2)
	assert.Equal(t, []AgentLoad{{AgentID: "a", ActiveCount: 2}}, WithinCapacity(agents, 3))
	assert.Empty(t, WithinCapacity(agents, 1))
}
