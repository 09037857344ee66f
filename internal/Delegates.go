package internal

// DelegateBlockCompleted is a callback function type invoked once per copied block
type DelegateBlockCompleted func()

// OnBlockCompleted lets a plain function act as a ProgressSink
func (d DelegateBlockCompleted) OnBlockCompleted() {
	if d != nil {
		d()
	}
}

// DelegateProgressReport is a callback function type to report completed and total blocks of a batch
type DelegateProgressReport func(completedBlocks, totalBlocks uint64)

// DelegatePackageComplete is a callback function type to report when a package reached a terminal state
type DelegatePackageComplete func(result PackageResult)
