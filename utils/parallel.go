package utils

import (
	"runtime"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.viam.com/utils"
)

// ParallelFactor controls the max level of parallelization. This might be useful
// to set in tests where too much parallelism actually slows tests down in
// aggregate.
var ParallelFactor = runtime.GOMAXPROCS(0)

func init() {
	if ParallelFactor <= 0 {
		ParallelFactor = 1
	}
}

type (
	// BeforeParallelGroupWorkFunc executes before any work starts with the calculated number of groups.
	BeforeParallelGroupWorkFunc func(numGroups int)
	// MemberWorkFunc runs for each work item (member) of a group.
	MemberWorkFunc func(memberNum, workNum int)
	// GroupWorkDoneFunc runs when a single group's work is done; helpful for merge stages.
	GroupWorkDoneFunc func()
	// GroupWorkFunc runs to determine what work members should do, if any.
	GroupWorkFunc func(groupNum, groupSize, from, to int) (MemberWorkFunc, GroupWorkDoneFunc)
)

// GroupWorkParallel splits [0, totalSize) into contiguous ranges, one per group, and runs each
// group on its own goroutine. The last group absorbs the remainder. A panic inside any group is
// recovered and returned as an error once every group has finished.
func GroupWorkParallel(totalSize int, before BeforeParallelGroupWorkFunc, groupWork GroupWorkFunc) error {
	if totalSize <= 0 {
		return nil
	}
	numGroups := ParallelFactor
	if totalSize < numGroups {
		numGroups = totalSize
	}
	groupSize := totalSize / numGroups
	extra := totalSize % numGroups

	if before != nil {
		before(numGroups)
	}

	var (
		wait     sync.WaitGroup
		panicsMu sync.Mutex
		panics   error
	)
	wait.Add(numGroups)
	for groupNum := 0; groupNum < numGroups; groupNum++ {
		groupNum := groupNum
		// wait.Done is called at the end of the work or from the panic callback, never deferred,
		// so a recovered panic is recorded before Wait returns.
		utils.PanicCapturingGoWithCallback(func() {
			thisGroupSize := groupSize
			thisExtra := 0
			if groupNum == (numGroups - 1) {
				thisExtra = extra
				thisGroupSize += thisExtra
			}
			from := groupSize * groupNum
			to := (groupSize * (groupNum + 1)) + thisExtra
			memberWork, groupWorkDone := groupWork(groupNum, thisGroupSize, from, to)
			if memberWork != nil {
				memberNum := 0
				for workNum := from; workNum < to; workNum++ {
					memberWork(memberNum, workNum)
					memberNum++
				}
			}
			if groupWorkDone != nil {
				groupWorkDone()
			}
			wait.Done()
		}, func(err interface{}) {
			panicsMu.Lock()
			panics = multierr.Append(panics, errors.Errorf("panic in work group %d: %v", groupNum, err))
			panicsMu.Unlock()
			wait.Done()
		})
	}
	wait.Wait()
	return panics
}
