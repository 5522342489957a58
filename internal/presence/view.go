package presence

import "sort"

// View splits a snapshot for display: online identities first, then the
// offline ones, most recently disconnected first.
type View struct {
	Connected    []Record `json:"connected"`
	Disconnected []Record `json:"disconnected"`
}

// Partition builds a View from records. Connected entries are ordered by
// LastConnectedAt ascending, disconnected ones by LastDisconnectedAt
// descending; records lacking a disconnect time sort last.
func Partition(records []Record) View {
	v := View{
		Connected:    make([]Record, 0, len(records)),
		Disconnected: make([]Record, 0),
	}
	for _, rec := range records {
		if rec.Connected {
			v.Connected = append(v.Connected, rec)
		} else {
			v.Disconnected = append(v.Disconnected, rec)
		}
	}

	sort.SliceStable(v.Connected, func(i, j int) bool {
		return v.Connected[i].LastConnectedAt.Before(v.Connected[j].LastConnectedAt)
	})
	sort.SliceStable(v.Disconnected, func(i, j int) bool {
		a, b := v.Disconnected[i].LastDisconnectedAt, v.Disconnected[j].LastDisconnectedAt
		switch {
		case a == nil:
			return false
		case b == nil:
			return true
		default:
			return a.After(*b)
		}
	})
	return v
}
