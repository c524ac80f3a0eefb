package graph

import "math"

// RankTermination reports which stop condition ended the power
// iteration.
type RankTermination struct {
	Converged  bool    `json:"converged"`
	Iterations int     `json:"iterations"`
	Delta      float64 `json:"delta"` // L1 change of the final iteration
}

// Rank computes PageRank over a snapshot of the current graph. The
// crawl may keep mutating the live graph while this runs. Scores start
// uniform; dangling nodes redistribute their mass evenly across all
// nodes each iteration. Iteration stops when the L1 change drops below
// tol or after maxIter rounds, whichever comes first.
func (g *LinkGraph) Rank(damping float64, maxIter int, tol float64) (map[string]float64, RankTermination) {
	return RankSnapshot(g.Snapshot(), damping, maxIter, tol)
}

// RankSnapshot runs the power iteration over an existing snapshot and
// stores the scores in it.
func RankSnapshot(snap *GraphSnapshot, damping float64, maxIter int, tol float64) (map[string]float64, RankTermination) {
	n := len(snap.Nodes)
	if n == 0 {
		return map[string]float64{}, RankTermination{Converged: true}
	}

	index := make(map[string]int, n)
	for i, node := range snap.Nodes {
		index[node] = i
	}

	outDegree := make([]int, n)
	incoming := make([][]int, n) // incoming[i] = indexes of nodes linking to i
	for src, targets := range snap.Edges {
		si, ok := index[src]
		if !ok {
			continue
		}
		for _, t := range targets {
			ti, ok := index[t]
			if !ok {
				continue
			}
			outDegree[si]++
			incoming[ti] = append(incoming[ti], si)
		}
	}

	rank := make([]float64, n)
	next := make([]float64, n)
	uniform := 1.0 / float64(n)
	for i := range rank {
		rank[i] = uniform
	}

	term := RankTermination{}
	for iter := 0; iter < maxIter; iter++ {
		danglingMass := 0.0
		for i, deg := range outDegree {
			if deg == 0 {
				danglingMass += rank[i]
			}
		}

		base := (1.0-damping)/float64(n) + damping*danglingMass/float64(n)
		delta := 0.0
		for i := 0; i < n; i++ {
			sum := 0.0
			for _, src := range incoming[i] {
				sum += rank[src] / float64(outDegree[src])
			}
			next[i] = base + damping*sum
			delta += math.Abs(next[i] - rank[i])
		}
		rank, next = next, rank

		term.Iterations = iter + 1
		term.Delta = delta
		if delta < tol {
			term.Converged = true
			break
		}
	}

	scores := make(map[string]float64, n)
	for node, i := range index {
		scores[node] = rank[i]
	}
	snap.Scores = scores
	return scores, term
}
