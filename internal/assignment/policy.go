// Package assignment выбирает оператора для тикета. Функции чистые: присутствие и
// нагрузку собирает вызывающий код, здесь только решение.
package assignment

import "sort"

// AgentLoad — оператор и число его активных тикетов на момент снимка.
type AgentLoad struct {
	AgentID     string `json:"agent_id"`
	ActiveCount int    `json:"active_count"`
	Online      bool   `json:"online"`
}

// PickAgent возвращает наименее загруженного оператора, исключая excluding.
// При равной нагрузке побеждает меньший (лексикографически) AgentID.
func PickAgent(agents []AgentLoad, excluding string) (string, bool) {
	best := -1
	for i, a := range agents {
		if a.AgentID == "" || (excluding != "" && a.AgentID == excluding) {
			continue
		}
		if best < 0 || less(a, agents[best]) {
			best = i
		}
	}
	if best < 0 {
		return "", false
	}
	return agents[best].AgentID, true
}

func less(a, b AgentLoad) bool {
	if a.ActiveCount != b.ActiveCount {
		return a.ActiveCount < b.ActiveCount
	}
	return a.AgentID < b.AgentID
}

// Rank упорядочивает операторов для UI передачи: сначала online, затем по нагрузке, затем по id.
// Исходный слайс не меняется.
func Rank(agents []AgentLoad, excluding string) []AgentLoad {
	out := make([]AgentLoad, 0, len(agents))
	for _, a := range agents {
		if excluding != "" && a.AgentID == excluding {
			continue
		}
		out = append(out, a)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Online != out[j].Online {
			return out[i].Online
		}
		return less(out[i], out[j])
	})
	return out
}

// WithinCapacity отбрасывает операторов, у которых max и более активных тикетов. max <= 0 — без лимита.
func WithinCapacity(agents []AgentLoad, max int) []AgentLoad {
	if max <= 0 {
		return agents
	}
	out := make([]AgentLoad, 0, len(agents))
	for _, a := range agents {
		if a.ActiveCount < max {
			out = append(out, a)
		}
	}
	return out
}
