package memory

import "math"

// cosineSim computes cosine similarity between two float32 vectors
func cosineSim(a, b []float32) float64 {
	var dot, na, nb float64
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		da := float64(a[i])
		db := float64(b[i])
		dot += da * db
		na += da * da
		nb += db * db
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// mmrReorder greedily reorders candidates by maximal marginal relevance:
// lambda weighs query relevance against similarity to already-picked items.
func mmrReorder(query []float32, pts []point, lambda float64) []point {
	if lambda < 0 {
		lambda = 0
	}
	if lambda > 1 {
		lambda = 1
	}
	n := len(pts)
	if n <= 1 {
		return pts
	}

	vecs := make([][]float32, n)
	for i, p := range pts {
		vecs[i] = toFloat32(p.Vector)
	}
	rel := make([]float64, n)
	for i := range pts {
		rel[i] = cosineSim(query, vecs[i])
	}

	selected := make([]int, 0, n)
	remaining := make([]bool, n)
	for i := range remaining {
		remaining[i] = true
	}
	for len(selected) < n {
		bestIdx := -1
		bestScore := math.Inf(-1)
		for i := 0; i < n; i++ {
			if !remaining[i] {
				continue
			}
			maxSim := 0.0
			for _, sel := range selected {
				if sim := cosineSim(vecs[i], vecs[sel]); sim > maxSim {
					maxSim = sim
				}
			}
			score := lambda*rel[i] - (1.0-lambda)*maxSim
			if score > bestScore {
				bestScore = score
				bestIdx = i
			}
		}
		if bestIdx == -1 {
			break
		}
		selected = append(selected, bestIdx)
		remaining[bestIdx] = false
	}

	out := make([]point, 0, n)
	for _, idx := range selected {
		out = append(out, pts[idx])
	}
	return out
}

func toFloat32(v []float64) []float32 {
	out := make([]float32, len(v))
	for i, f := range v {
		out[i] = float32(f)
	}
	return out
}
