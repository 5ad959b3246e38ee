package runner

import "time"

// DurationSum is a running total of processing and completion durations.
type DurationSum struct {
	Processing      time.Duration
	ProcessingCount int64
	Completion      time.Duration
	CompletionCount int64
}

func (s DurationSum) plus(o DurationSum) DurationSum {
	return DurationSum{
		Processing:      s.Processing + o.Processing,
		ProcessingCount: s.ProcessingCount + o.ProcessingCount,
		Completion:      s.Completion + o.Completion,
		CompletionCount: s.CompletionCount + o.CompletionCount,
	}
}

func (s DurationSum) mean() AverageTimes {
	var out AverageTimes
	if s.ProcessingCount > 0 {
		out.ProcessingTime = s.Processing / time.Duration(s.ProcessingCount)
	}
	if s.CompletionCount > 0 {
		out.CompletionTime = s.Completion / time.Duration(s.CompletionCount)
	}
	return out
}

// AverageAccumulator folds per-tool sums into ProcessingTimes. The zero value is
// ready to use.
type AverageAccumulator struct {
	low  map[string]DurationSum
	high map[string]DurationSum
}

// Add merges sum into the tool's low (priority 1) or high (priority > 1) tier.
func (a *AverageAccumulator) Add(tool string, highPriority bool, sum DurationSum) {
	if a.low == nil {
		a.low = map[string]DurationSum{}
		a.high = map[string]DurationSum{}
	}
	if highPriority {
		a.high[tool] = a.high[tool].plus(sum)
		return
	}
	a.low[tool] = a.low[tool].plus(sum)
}

// Result computes the means for each tier and the combined average.
func (a *AverageAccumulator) Result() ProcessingTimes {
	out := NewProcessingTimes()
	all := map[string]DurationSum{}
	for tool, sum := range a.low {
		out.LowPriority[tool] = sum.mean()
		all[tool] = all[tool].plus(sum)
	}
	for tool, sum := range a.high {
		out.HighPriority[tool] = sum.mean()
		all[tool] = all[tool].plus(sum)
	}
	for tool, sum := range all {
		out.Average[tool] = sum.mean()
	}
	return out
}
