package database

import (
	"github.com/stretchr/testify/mock"
)

type MockCoupleRepository struct {
	mock.Mock
}

func (m *MockCoupleRepository) Ping() error {
	args := m.Called()
	return args.Error(0)
}

func (m *MockCoupleRepository) GetCoupleByUserId(userId string) (Couple, error) {
	args := m.Called(userId)
	return args.Get(0).(Couple), args.Error(1)
}
