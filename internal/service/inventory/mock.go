package inventory

import (
	"context"
	"sync"

	"github.com/vladislavdragonenkov/rms/internal/domain"
)

// MockService: конфигурируемая заглушка InventoryService для тестов.
type MockService struct {
	mu sync.Mutex

	SetErr   error
	SetCalls int
	Statuses map[int64]domain.UnitStatus
}

// NewMockService возвращает mock с успешным сценарием по умолчанию.
func NewMockService() *MockService {
	return &MockService{Statuses: make(map[int64]domain.UnitStatus)}
}

// SetUnitStatus запоминает последний статус единицы и возвращает настроенную ошибку.
func (m *MockService) SetUnitStatus(_ context.Context, unitID int64, status domain.UnitStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.SetCalls++
	if m.SetErr != nil {
		return m.SetErr
	}
	m.Statuses[unitID] = status
	return nil
}

// Status возвращает последний записанный статус единицы.
func (m *MockService) Status(unitID int64) domain.UnitStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Statuses[unitID]
}

var _ domain.InventoryService = (*MockService)(nil)
