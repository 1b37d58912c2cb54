package storage

import (
	"context"

	"github.com/stretchr/testify/mock"
)

// MockStore mocks the Store interface for tests.
type MockStore struct {
	mock.Mock
}

func (m *MockStore) GetBot(ctx context.Context, id string) (*BotInstance, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*BotInstance), args.Error(1)
}

func (m *MockStore) CreateBot(ctx context.Context, bot *BotInstance) error {
	args := m.Called(ctx, bot)
	return args.Error(0)
}

func (m *MockStore) SaveBot(ctx context.Context, bot *BotInstance) error {
	args := m.Called(ctx, bot)
	return args.Error(0)
}

func (m *MockStore) TransitionBotStatus(ctx context.Context, id string, from, to BotStatus) error {
	args := m.Called(ctx, id, from, to)
	return args.Error(0)
}

func (m *MockStore) MarkBotFailed(ctx context.Context, id, errMsg string) error {
	args := m.Called(ctx, id, errMsg)
	return args.Error(0)
}

func (m *MockStore) ClearBotServer(ctx context.Context, id string) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *MockStore) ActiveCA(ctx context.Context) (*CACertificate, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*CACertificate), args.Error(1)
}

func (m *MockStore) ReplaceActiveCA(ctx context.Context, ca *CACertificate) error {
	args := m.Called(ctx, ca)
	return args.Error(0)
}

func (m *MockStore) GetGateway(ctx context.Context, id string) (*NatGateway, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*NatGateway), args.Error(1)
}

func (m *MockStore) ActiveGateways(ctx context.Context) ([]NatGateway, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]NatGateway), args.Error(1)
}

func (m *MockStore) CountGateways(ctx context.Context) (int64, error) {
	args := m.Called(ctx)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockStore) CreateGateway(ctx context.Context, gw *NatGateway) error {
	args := m.Called(ctx, gw)
	return args.Error(0)
}

func (m *MockStore) SaveGateway(ctx context.Context, gw *NatGateway) error {
	args := m.Called(ctx, gw)
	return args.Error(0)
}

func (m *MockStore) IncrementGatewayBotCount(ctx context.Context, id string) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *MockStore) DecrementGatewayBotCount(ctx context.Context, id string) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}
