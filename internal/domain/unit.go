package domain

type UnitID string

type UnitKind string

const (
	UnitPC     UnitKind = "PC"
	UnitNPC    UnitKind = "NPC"
	UnitObject UnitKind = "OBJECT"
)

// CharacterRef links a map unit to the character sheet it represents.
// OwnerID drives the move-permission check for non-GM users.
type CharacterRef struct {
	ID      string `json:"id"`
	OwnerID UserID `json:"userId"`
	Name    string `json:"name"`
}

// Unit is the authoritative record of a token on the map. Position is
// grid-aligned; it is only ever adopted from a server broadcast or snapshot.
// Transient presentation state (selected, dragging) lives outside domain.
type Unit struct {
	ID        UnitID        `json:"id"`
	RoomID    RoomID        `json:"roomId"`
	Kind      UnitKind      `json:"type"`
	Name      string        `json:"name"`
	X         int           `json:"x"`
	Y         int           `json:"y"`
	Movement  int           `json:"movement"`
	Character *CharacterRef `json:"character,omitempty"`
}

// Character is the read-model of a character sheet as the room API returns it.
type Character struct {
	ID      string `json:"id"`
	OwnerID UserID `json:"userId"`
	Name    string `json:"name"`
}
