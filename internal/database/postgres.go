package database

import (
	"database/sql"
	"errors"
	"fmt"
)

const getCoupleByUserQuery = "SELECT id, user1_id, user2_id, created_at FROM couples " +
	"WHERE user1_id = $1 OR user2_id = $1 LIMIT 1"

type PgCoupleRepository struct {
	conn *sql.DB
}

func NewPgCoupleRepository(dsn string) (*PgCoupleRepository, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}

	if err := db.Ping(); err != nil {
		return nil, err
	}

	return &PgCoupleRepository{conn: db}, nil
}

func (db *PgCoupleRepository) Ping() error {
	return db.conn.Ping()
}

func (db *PgCoupleRepository) GetCoupleByUserId(userId string) (Couple, error) {
	row := db.conn.QueryRow(getCoupleByUserQuery, userId)

	var c Couple
	err := row.Scan(
		&c.Id,
		&c.User1Id,
		&c.User2Id,
		&c.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return Couple{}, ErrCoupleNotFound
	}
	if err != nil {
		return Couple{}, fmt.Errorf("get couple for user: %w", err)
	}

	return c, nil
}

func (db *PgCoupleRepository) Close() error {
	if db.conn != nil {
		return db.conn.Close()
	}
	return nil
}
