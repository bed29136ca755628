package orchestrator

// Plan is the work for one stage of a resolve.
type Plan struct {
	Stage    int
	Provider string
	Tickers  []string
}

// NextPlan picks the stage after `after` (use -1 to start) and the tickers it
// still has to find: requested minus resolved, deduplicated, in request order.
// It returns false when nothing remains or the chain is exhausted.
func NextPlan(chain []string, after int, requested []string, resolved map[string]bool) (Plan, bool) {
	next := after + 1
	if next < 0 || next >= len(chain) {
		return Plan{}, false
	}
	remaining := Remaining(requested, resolved)
	if len(remaining) == 0 {
		return Plan{}, false
	}
	return Plan{Stage: next, Provider: chain[next], Tickers: remaining}, true
}

// Remaining returns requested tickers not in resolved, without duplicates.
func Remaining(requested []string, resolved map[string]bool) []string {
	seen := make(map[string]bool, len(requested))
	var out []string
	for _, tk := range requested {
		if tk == "" || seen[tk] || resolved[tk] {
			continue
		}
		seen[tk] = true
		out = append(out, tk)
	}
	return out
}
