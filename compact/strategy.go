package compact

// Strategy picks the next compaction unit from the sorted runs of a
// bucket, newest run first.
type Strategy interface {
	Pick(numLevels int, runs []LevelSortedRun) (Unit, bool)
}

// PickFull merges every run into the max level. Nothing is picked when the
// tree is empty or already a single run at the max level.
func PickFull(numLevels int, runs []LevelSortedRun) (Unit, bool) {
	maxLevel := int32(numLevels - 1)
	if len(runs) == 0 || (len(runs) == 1 && runs[0].Level == maxLevel) {
		return Unit{}, false
	}
	return UnitFromRuns(maxLevel, runs), true
}

// Universal is a size-tiered strategy. It first bounds space amplification,
// then merges runs of similar size, then enforces the run count trigger.
type Universal struct {
	// MaxSizeAmp is the tolerated size amplification in percent.
	MaxSizeAmp int
	// SizeRatio is the tolerated size difference in percent between a
	// candidate set and the next run.
	SizeRatio int
	// NumRunTrigger is the number of sorted runs that triggers compaction.
	NumRunTrigger int
}

// NewUniversal returns a universal strategy with default settings.
func NewUniversal() *Universal {
	return &Universal{MaxSizeAmp: 200, SizeRatio: 1, NumRunTrigger: 5}
}

func (u *Universal) Pick(numLevels int, runs []LevelSortedRun) (Unit, bool) {
	maxLevel := int32(numLevels - 1)

	if unit, ok := u.pickForSizeAmp(maxLevel, runs); ok {
		return unit, true
	}
	if len(runs) >= u.NumRunTrigger {
		if unit, ok := u.pickForSizeRatio(maxLevel, runs, 1, false); ok {
			return unit, true
		}
	}
	if len(runs) > u.NumRunTrigger {
		return u.pickForSizeRatio(maxLevel, runs, len(runs)-u.NumRunTrigger+1, true)
	}
	return Unit{}, false
}

func (u *Universal) pickForSizeAmp(maxLevel int32, runs []LevelSortedRun) (Unit, bool) {
	if len(runs) < u.NumRunTrigger {
		return Unit{}, false
	}
	var candidateSize int64
	for _, r := range runs[:len(runs)-1] {
		candidateSize += r.Run.TotalSize()
	}
	earliest := runs[len(runs)-1].Run.TotalSize()
	if candidateSize*100 > int64(u.MaxSizeAmp)*earliest {
		return UnitFromRuns(maxLevel, runs), true
	}
	return Unit{}, false
}

func (u *Universal) pickForSizeRatio(maxLevel int32, runs []LevelSortedRun, candidateCount int, force bool) (Unit, bool) {
	var candidateSize int64
	for _, r := range runs[:candidateCount] {
		candidateSize += r.Run.TotalSize()
	}
	for i := candidateCount; i < len(runs); i++ {
		next := runs[i].Run.TotalSize()
		if float64(candidateSize)*(100+float64(u.SizeRatio))/100 < float64(next) {
			break
		}
		candidateSize += next
		candidateCount++
	}
	if force || candidateCount > 1 {
		return createUnit(runs, maxLevel, candidateCount), true
	}
	return Unit{}, false
}

// createUnit merges the first runCount runs. The output goes one level
// below the next untouched run and never to level 0.
func createUnit(runs []LevelSortedRun, maxLevel int32, runCount int) Unit {
	var outputLevel int32
	if runCount == len(runs) {
		outputLevel = maxLevel
	} else {
		outputLevel = max(0, runs[runCount].Level-1)
	}
	if outputLevel == 0 {
		for i := runCount; i < len(runs); i++ {
			next := runs[i]
			runCount++
			if next.Level != 0 {
				outputLevel = next.Level
				break
			}
		}
	}
	if runCount == len(runs) {
		outputLevel = maxLevel
	}
	return UnitFromRuns(outputLevel, runs[:runCount])
}

// Leveled is a level-based strategy: level 0 is merged into level 1 once it
// holds L0Threshold files, and a level exceeding its target size is merged
// into the next level.
type Leveled struct {
	// L0Threshold is the number of level 0 files that triggers compaction.
	L0Threshold int
	// LevelRatio is the size growth between consecutive levels.
	LevelRatio int
	// BaseSize is the target size of level 1.
	BaseSize int64
}

// NewLeveled returns a leveled strategy with default settings.
func NewLeveled() *Leveled {
	return &Leveled{L0Threshold: 4, LevelRatio: 10, BaseSize: 256 << 20}
}

func (p *Leveled) Pick(numLevels int, runs []LevelSortedRun) (Unit, bool) {
	maxLevel := int32(numLevels - 1)
	byLevel := make(map[int32][]LevelSortedRun)
	l0 := 0
	for _, r := range runs {
		byLevel[r.Level] = append(byLevel[r.Level], r)
		if r.Level == 0 {
			l0++
		}
	}

	if l0 > 0 && l0 >= p.L0Threshold {
		return UnitFromRuns(1, append(byLevel[0], byLevel[1]...)), true
	}

	target := p.BaseSize
	for level := int32(1); level < maxLevel; level++ {
		var size int64
		for _, r := range byLevel[level] {
			size += r.Run.TotalSize()
		}
		if size > target {
			return UnitFromRuns(level+1, append(byLevel[level], byLevel[level+1]...)), true
		}
		target *= int64(p.LevelRatio)
	}
	return Unit{}, false
}
