package txn

import "sort"

func sortHandles(hs []*Handle) {
	sort.Slice(hs, func(i, j int) bool {
		if hs[i].SubmittedAt.Equal(hs[j].SubmittedAt) {
			return hs[i].ID < hs[j].ID
		}
		return hs[i].SubmittedAt.Before(hs[j].SubmittedAt)
	})
}
