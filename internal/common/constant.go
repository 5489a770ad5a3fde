package common

// MaxAncestryDepth bounds parent-pointer walks over the branch forest.
// Exceeding it means the stored hierarchy is corrupt (a cycle or an
// implausibly deep chain), and walks abort with ErrCycleDetected.
const MaxAncestryDepth = 100

// MaxBranchNameLength bounds user-supplied branch names.
const MaxBranchNameLength = 100
