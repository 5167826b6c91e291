package domain

import "time"

type ChatMessage struct {
	ID        string    `json:"id"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
	User      User      `json:"user"`
}

type DiceRoll struct {
	ID        string    `json:"id"`
	UserID    UserID    `json:"userId"`
	RoomID    RoomID    `json:"roomId"`
	Formula   string    `json:"formula"`
	Result    int       `json:"result"`
	CreatedAt time.Time `json:"createdAt"`
}
