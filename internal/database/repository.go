package database

import "errors"

// ErrCoupleNotFound is returned when a user has no couple.
var ErrCoupleNotFound = errors.New("couple not found")

// CoupleRepository answers the membership questions the realtime layer needs
// before admitting a connection.
type CoupleRepository interface {
	Ping() error
	GetCoupleByUserId(userId string) (Couple, error)
}
