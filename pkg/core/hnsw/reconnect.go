package hnsw

// reconnectNodes repairs the neighborhood orphaned by a deletion: every
// node in 'nodes' lost one link at the given layer, and the function pairs
// them together in a way that maximizes connection quality.
//
// A full distance matrix over the nodes is built first. Each potential
// pairing (i, j) is then scored as
//
//	score = 0.7*(2-distance) + 0.3*((newAvg_i + newAvg_j)/2)
//
// where newAvg_x is the average of row x's distances excluding the pair
// itself. The first term rewards close pairs; the second rewards pairs
// whose loss leaves the remaining nodes with good options, penalizing a
// locally optimal pairing that would strand the others with only poor
// choices. The weights were tuned by hand against the purely greedy
// variant.
//
// Pairings are committed greedily best-score first, respecting existing
// links and layer capacity. Nodes still unpaired afterwards get one more
// link through the standard neighbor selection: first against the local
// nodes that still have room, then against a fresh graph-wide search with
// aggressiveness escalated by how under-linked the node is.
func (idx *Index) reconnectNodes(nodes []*Node, layer int) {
	count := len(nodes)
	if count == 0 {
		return
	}

	// Distance matrix. Symmetrical, so compute the upper triangle and
	// mirror it.
	distances := make([]float32, count*count)
	for i := 0; i < count; i++ {
		for j := i + 1; j < count; j++ {
			d := idx.dist(nodes[i], nodes[j])
			distances[i*count+j] = d
			distances[j*count+i] = d
		}
	}

	// Row averages feed the scoring; the matrix is symmetrical so the
	// column averages are the same values.
	rowAvgs := make([]float32, count)
	for i := 0; i < count; i++ {
		var sum float32
		for j := 0; j < count; j++ {
			if i != j {
				sum += distances[i*count+j]
			}
		}
		if count > 1 {
			rowAvgs[i] = sum / float32(count-1)
		}
	}

	const w1 = 0.7 // Weight for immediate distance.
	const w2 = 0.3 // Weight for future pairing potential.

	scores := make([]float32, count*count)
	for i := 0; i < count; i++ {
		for j := 0; j < count; j++ {
			if i == j {
				scores[i*count+j] = -1
				continue
			}

			alreadyLinked := false
			for _, l := range nodes[i].layers[layer].links {
				if l == nodes[j] {
					alreadyLinked = true
					break
				}
			}
			if alreadyLinked {
				scores[i*count+j] = -1
				continue
			}

			d := distances[i*count+j]

			// Averages excluding this pair, adjusted from the row
			// average instead of rescanning the row.
			var newAvgI, newAvgJ float32
			if count > 2 {
				newAvgI = (rowAvgs[i]*float32(count-1) - d) / float32(count-2)
				newAvgJ = (rowAvgs[j]*float32(count-1) - d) / float32(count-2)
			}

			scores[i*count+j] = w1*(2-d) + w2*((newAvgI+newAvgJ)/2)
		}
	}

	// Greedy pairing: repeatedly commit the best-scoring available pair.
	used := make([]bool, count)
	for {
		var maxScore float32 = -1
		bestI, bestJ := -1, -1

		for i := 0; i < count; i++ {
			if used[i] {
				continue
			}
			// No space left? Not possible right after a deletion, but
			// keeps the function correct for other callers.
			if len(nodes[i].layers[layer].links) >= nodes[i].layers[layer].maxLinks {
				continue
			}
			for j := 0; j < count; j++ {
				if i == j || used[j] {
					continue
				}
				score := scores[i*count+j]
				if score < 0 {
					continue
				}
				if score > maxScore &&
					len(nodes[j].layers[layer].links) < nodes[j].layers[layer].maxLinks {
					maxScore = score
					bestI, bestJ = i, j
				}
			}
		}

		if bestJ == -1 {
			break
		}

		d := distances[bestI*count+bestJ]
		link(nodes[bestI], nodes[bestJ], layer, d)
		link(nodes[bestJ], nodes[bestI], layer, d)
		used[bestI] = true
		used[bestJ] = true
	}

	// Remaining unpaired nodes get one extra link via the standard
	// neighbor selection.
	for i := 0; i < count; i++ {
		if used[i] {
			continue
		}
		if len(nodes[i].layers[layer].links) >= nodes[i].layers[layer].maxLinks {
			continue
		}

		// Local candidates first: some of the other orphaned nodes may
		// still have space.
		candidates := newQueue(count)
		for j := 0; j < count; j++ {
			if i != j &&
				len(nodes[j].layers[layer].links) < nodes[j].layers[layer].maxLinks {
				candidates.push(nodes[j], distances[i*count+j])
			}
		}

		wantedLinks := len(nodes[i].layers[layer].links) + 1
		if candidates.len() > 0 {
			idx.selectNeighbors(candidates, nodes[i], layer, wantedLinks, 1)
		}
		releaseQueue(candidates)

		if len(nodes[i].layers[layer].links) == wantedLinks {
			continue
		}

		// Still unconnected: search the broader graph. Descend to the
		// target layer and collect candidates with the default
		// construction width, since there is no caller-provided ef
		// here.
		if idx.entry == nil {
			continue
		}
		currentEp := idx.descend(nodes[i], layer, 0)
		if currentEp == nil {
			continue
		}
		candidates = idx.searchLayer(nodes[i], currentEp, DefaultEfC, layer, 0, nil, 0)
		aggressiveness := 2
		if len(nodes[i].layers[layer].links) > idx.m/2 {
			aggressiveness = 1
		}
		idx.selectNeighbors(candidates, nodes[i], layer, wantedLinks, aggressiveness)
		releaseQueue(candidates)
	}
}
