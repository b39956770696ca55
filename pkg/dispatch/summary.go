package dispatch

import "github.com/Sternrassler/blobfetch/pkg/fetch"

// Summary aggregates the outcomes of one batch.
type Summary struct {
	Targets    int    `json:"targets"`
	Succeeded  int    `json:"succeeded"`
	Failed     int    `json:"failed"`
	TotalBytes uint64 `json:"total_bytes"`
}

// Sum returns the total byte count over successful outcomes.
// Failed outcomes contribute nothing.
func Sum(outcomes []fetch.Outcome) uint64 {
	var total uint64
	for _, o := range outcomes {
		if o.OK {
			total += o.Bytes
		}
	}
	return total
}

// Summarize counts successes and failures alongside the byte total.
func Summarize(outcomes []fetch.Outcome) Summary {
	s := Summary{Targets: len(outcomes)}
	for _, o := range outcomes {
		if o.OK {
			s.Succeeded++
			s.TotalBytes += o.Bytes
		} else {
			s.Failed++
		}
	}
	return s
}
