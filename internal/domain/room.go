package domain

type (
	RoomName string
	RoomID   string
)

type Room struct {
	ID   RoomID   `json:"id"`
	Name RoomName `json:"name"`
	GMID UserID   `json:"gmId"`
}

// IsGM reports whether the given user runs this room.
func (r *Room) IsGM(uid UserID) bool {
	return r.GMID != "" && r.GMID == uid
}
