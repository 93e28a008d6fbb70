package ir

// Control-flow graph utilities: reverse postorder and dominator tree.
// Register allocation walks blocks in dominator pre-order, which guarantees
// that a block's defs are placed before any dominated use is seen.

// ReversePostorder returns the blocks reachable from the entry in reverse
// postorder.
func (f *Func) ReversePostorder() []*Block {
	visited := make([]bool, len(f.Blocks))
	var postorder []*Block

	var dfs func(b *Block)
	dfs = func(b *Block) {
		if visited[b.ID] {
			return
		}
		visited[b.ID] = true
		for _, s := range b.Succs {
			dfs(s)
		}
		postorder = append(postorder, b)
	}
	if entry := f.Entry(); entry != nil {
		dfs(entry)
	}

	order := make([]*Block, len(postorder))
	for i, b := range postorder {
		order[len(postorder)-1-i] = b
	}
	return order
}

// ComputeDoms computes immediate dominators and dominator-tree children
// using the Cooper-Harvey-Kennedy iterative algorithm over reverse postorder.
func (f *Func) ComputeDoms() {
	order := f.ReversePostorder()
	rpoNum := make([]int, len(f.Blocks))
	for i, b := range order {
		rpoNum[b.ID] = i
	}

	entry := f.Entry()
	if entry == nil {
		return
	}

	idom := make([]*Block, len(f.Blocks))
	idom[entry.ID] = entry

	intersect := func(a, b *Block) *Block {
		for a != b {
			for rpoNum[a.ID] > rpoNum[b.ID] {
				a = idom[a.ID]
			}
			for rpoNum[b.ID] > rpoNum[a.ID] {
				b = idom[b.ID]
			}
		}
		return a
	}

	changed := true
	for changed {
		changed = false
		for _, b := range order {
			if b == entry {
				continue
			}
			var newIdom *Block
			for _, p := range b.Preds {
				if idom[p.ID] == nil {
					continue
				}
				if newIdom == nil {
					newIdom = p
				} else {
					newIdom = intersect(p, newIdom)
				}
			}
			if newIdom != nil && idom[b.ID] != newIdom {
				idom[b.ID] = newIdom
				changed = true
			}
		}
	}

	for _, b := range f.Blocks {
		b.IDom = nil
		b.DomChildren = b.DomChildren[:0]
	}
	for _, b := range order {
		if b == entry {
			continue
		}
		b.IDom = idom[b.ID]
		if b.IDom != nil {
			b.IDom.DomChildren = append(b.IDom.DomChildren, b)
		}
	}
}

// DomPreorder returns the blocks in dominator-tree pre-order. Every block
// appears after all of its dominators.
func (f *Func) DomPreorder() []*Block {
	var order []*Block
	var walk func(b *Block)
	walk = func(b *Block) {
		order = append(order, b)
		for _, c := range b.DomChildren {
			walk(c)
		}
	}
	if entry := f.Entry(); entry != nil {
		walk(entry)
	}
	return order
}

// Dominates reports whether a dominates b (reflexively).
func Dominates(a, b *Block) bool {
	for {
		if a == b {
			return true
		}
		if b.IDom == nil || b.IDom == b {
			return false
		}
		b = b.IDom
	}
}
