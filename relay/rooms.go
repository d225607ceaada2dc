package relay

// roomIndex maintains ride-room membership and its inverse as one
// consistent unit. Every id in a room's member set also carries that room
// in its own set, and a room with zero members is deleted immediately.
// Like the registry, it relies on the Relay's mutex for serialization.
type roomIndex struct {
	// members: rideID -> set of connection ids
	members map[string]map[string]struct{}
	// joined: connection id -> set of rideIDs, for O(rooms-joined)
	// cleanup on disconnect
	joined map[string]map[string]struct{}
}

func newRoomIndex() *roomIndex {
	return &roomIndex{
		members: make(map[string]map[string]struct{}),
		joined:  make(map[string]map[string]struct{}),
	}
}

// join adds the connection to the room, creating the room lazily, and
// returns the resulting member count. Joining twice is a no-op.
func (ri *roomIndex) join(connID, rideID string) int {
	room, ok := ri.members[rideID]
	if !ok {
		room = make(map[string]struct{})
		ri.members[rideID] = room
	}
	room[connID] = struct{}{}

	rooms, ok := ri.joined[connID]
	if !ok {
		rooms = make(map[string]struct{})
		ri.joined[connID] = rooms
	}
	rooms[rideID] = struct{}{}

	return len(room)
}

// leave removes the connection from the room and deletes the room when it
// empties. Leaving a room the connection is not in is a no-op.
func (ri *roomIndex) leave(connID, rideID string) {
	if room, ok := ri.members[rideID]; ok {
		delete(room, connID)
		if len(room) == 0 {
			delete(ri.members, rideID)
		}
	}

	if rooms, ok := ri.joined[connID]; ok {
		delete(rooms, rideID)
		if len(rooms) == 0 {
			delete(ri.joined, connID)
		}
	}
}

// leaveAll removes the connection from every room it joined and returns
// the rooms left, for logging. This is the single cleanup path invoked on
// disconnect.
func (ri *roomIndex) leaveAll(connID string) []string {
	rooms := make([]string, 0, len(ri.joined[connID]))
	for rideID := range ri.joined[connID] {
		rooms = append(rooms, rideID)
	}
	for _, rideID := range rooms {
		ri.leave(connID, rideID)
	}
	return rooms
}

// roomMembers returns the current member ids, or an empty slice when the
// room does not exist. Order is unspecified.
func (ri *roomIndex) roomMembers(rideID string) []string {
	room := ri.members[rideID]
	ids := make([]string, 0, len(room))
	for id := range room {
		ids = append(ids, id)
	}
	return ids
}

func (ri *roomIndex) roomCount() int {
	return len(ri.members)
}

func (ri *roomIndex) roomIDs() []string {
	ids := make([]string, 0, len(ri.members))
	for id := range ri.members {
		ids = append(ids, id)
	}
	return ids
}

func (ri *roomIndex) roomsOf(connID string) []string {
	rooms := make([]string, 0, len(ri.joined[connID]))
	for rideID := range ri.joined[connID] {
		rooms = append(rooms, rideID)
	}
	return rooms
}
