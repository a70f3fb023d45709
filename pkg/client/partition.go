package client

import "fmt"

// assembleFunc turns per-target values (target order) into the final value
// surfaced by Get. Map and Gather install one to undo their partitioning.
// Assembly runs only on full success; any failed slot takes the error path
// before assembly.
type assembleFunc func(values []any) (any, error)

// partitionRoundRobin deals items across n partitions: partition p gets
// items[p], items[p+n], items[p+2n], and so on. It also returns, per
// partition, the original index of every element so the mapped results can
// be reassembled into input order. Partitions are never nil, so an engine
// with no share still receives an empty list.
func partitionRoundRobin(n int, items []any) ([][]any, [][]int) {
	parts := make([][]any, n)
	indexes := make([][]int, n)
	for p := 0; p < n; p++ {
		parts[p] = []any{}
		indexes[p] = []int{}
	}
	for i, item := range items {
		p := i % n
		parts[p] = append(parts[p], item)
		indexes[p] = append(indexes[p], i)
	}
	return parts, indexes
}

// partitionBlocks splits items into n contiguous blocks in order. When the
// length does not divide evenly the first len(items)%n blocks carry one
// extra element, so concatenating the blocks in target order restores the
// original sequence exactly.
func partitionBlocks(n int, items []any) [][]any {
	parts := make([][]any, n)
	size := len(items) / n
	extra := len(items) % n
	start := 0
	for p := 0; p < n; p++ {
		end := start + size
		if p < extra {
			end++
		}
		parts[p] = append([]any{}, items[start:end]...)
		start = end
	}
	return parts
}

// assembleByIndex rebuilds a mapped sequence: values[p] is the list engine
// p produced for its partition, and indexes[p] names where each element of
// that list belongs in the original input.
func assembleByIndex(indexes [][]int, total int) assembleFunc {
	return func(values []any) (any, error) {
		out := make([]any, total)
		for p, v := range values {
			part, ok := v.([]any)
			if !ok {
				return nil, fmt.Errorf("client: map partition %d returned %T, want a list", p, v)
			}
			if len(part) != len(indexes[p]) {
				return nil, fmt.Errorf("client: map partition %d returned %d values, want %d", p, len(part), len(indexes[p]))
			}
			for j, idx := range indexes[p] {
				out[idx] = part[j]
			}
		}
		return out, nil
	}
}

// assembleConcat concatenates per-target sequences in target order, the
// inverse of a block scatter. A non-sequence value contributes itself.
func assembleConcat() assembleFunc {
	return func(values []any) (any, error) {
		out := []any{}
		for _, v := range values {
			switch part := v.(type) {
			case nil:
			case []any:
				out = append(out, part...)
			default:
				out = append(out, part)
			}
		}
		return out, nil
	}
}
