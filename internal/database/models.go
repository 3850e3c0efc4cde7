package database

import "time"

type Couple struct {
	Id        string
	User1Id   string
	User2Id   *string
	CreatedAt time.Time
}
