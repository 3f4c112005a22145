package engine

// EngineResult is the value every counting engine returns to its
// caller: the bounded top-N itself, plus the run totals needed for
// progress reporting and the audit log. ReadsProcessed and
// DistinctKmers describe the whole input, independent of N — a small
// -n does not make either of them smaller. BFEngine's DistinctKmers
// counts only the k-mers seen at least twice (singletons are dropped);
// DSKEngine's counts every distinct k-mer.
type EngineResult struct {
	Entries        []CountEntry
	ReadsProcessed uint64
	DistinctKmers  uint64
}
