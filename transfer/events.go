package transfer

import "strings"

// EventPrefix is the subject prefix transfer events are published under.
const EventPrefix = "transfer"

const eventTypePrefix = "TransferProcess"

// EventTypes maps every state code to the event type announcing it, e.g.
// STARTED → TransferProcessStarted.
func EventTypes() map[int]string {
	out := make(map[int]string, len(stateNames))
	for s, name := range stateNames {
		if s == Initial {
			out[int(s)] = eventTypePrefix + "Initiated"
			continue
		}
		out[int(s)] = eventTypePrefix + name[:1] + strings.ToLower(name[1:])
	}
	return out
}
