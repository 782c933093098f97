package transport

import "hash/fnv"

// PartitionFor maps an affinity key onto one of n partitions.
func PartitionFor(key []byte, n int) int {
	if n <= 1 {
		return 0
	}
	h := fnv.New32a()
	h.Write(key)
	return int(h.Sum32() % uint32(n))
}

// AssignedPartitions returns the partitions out of n that worker reads when
// workers share them round robin. Every partition belongs to exactly one
// worker.
func AssignedPartitions(worker, workers, n int) []int {
	if workers <= 0 {
		workers = 1
	}
	var out []int
	for p := worker; p < n; p += workers {
		out = append(out, p)
	}
	return out
}
