package util

// Partition splits elements into consecutive chunks of at most batchSize elements, preserving order.  The chunks share
// the backing array of elements.  A non-positive batchSize yields a single chunk.
func Partition[T any](elements []T, batchSize int) [][]T {
	total := len(elements)
	if total == 0 {
		return [][]T{}
	}
	if batchSize <= 0 || batchSize >= total {
		return [][]T{elements}
	}

	n := total / batchSize
	lastBatchSize := total % batchSize
	totalBatches := n
	if lastBatchSize != 0 {
		totalBatches++
	}

	batches := make([][]T, totalBatches)
	for i := 0; i < n; i++ {
		batches[i] = elements[i*batchSize : (i+1)*batchSize : (i+1)*batchSize]
	}
	if lastBatchSize != 0 {
		batches[n] = elements[n*batchSize:]
	}
	return batches
}

// Flatten concatenates the chunks into a single slice, preserving order.
func Flatten[T any](chunks [][]T) []T {
	size := 0
	for _, c := range chunks {
		size += len(c)
	}
	flat := make([]T, 0, size)
	for _, c := range chunks {
		flat = append(flat, c...)
	}
	return flat
}
