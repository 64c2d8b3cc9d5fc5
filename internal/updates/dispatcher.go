package updates

import "chatsync/internal/protocol"

// Dispatcher delivers updates to every connected session of a user. It must
// not block on slow sessions; updates passed in one call arrive in order.
type Dispatcher interface {
	PushToUser(userID int64, updates ...protocol.Update)
}

// Render produces the updates one recipient should see, or nil for none
type Render func(recipientID int64) []protocol.Update

// FanOut renders and pushes to each member of group, returning what it
// rendered for self so the caller can echo it in the RPC response.
func FanOut(d Dispatcher, group UpdateGroup, self int64, render Render) []protocol.Update {
	var own []protocol.Update
	for _, userID := range group.UserIDs {
		rendered := render(userID)
		if len(rendered) == 0 {
			continue
		}
		if userID == self {
			own = rendered
		}
		d.PushToUser(userID, rendered...)
	}
	return own
}
