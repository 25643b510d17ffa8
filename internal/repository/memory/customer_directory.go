package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"qrorder-auth/internal/models"
	"qrorder-auth/internal/repository"
)

type CustomerDirectory struct {
	mu        sync.Mutex
	customers map[string]*models.Customer // storeID|phone
	now       func() time.Time
}

func NewCustomerDirectory() *CustomerDirectory {
	return &CustomerDirectory{
		customers: make(map[string]*models.Customer),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (d *CustomerDirectory) FindCustomerByPhone(_ context.Context, storeID, phone string) (*models.Customer, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	c, ok := d.customers[storeID+"|"+phone]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cc := *c
	return &cc, nil
}

func (d *CustomerDirectory) CreateCustomer(_ context.Context, storeID, phone string) (*models.Customer, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	key := storeID + "|" + phone
	if _, ok := d.customers[key]; ok {
		return nil, repository.ErrAlreadyExists
	}
	c := &models.Customer{
		CustomerID: uuid.NewString(),
		StoreID:    storeID,
		Phone:      phone,
		CreatedAt:  d.now(),
	}
	d.customers[key] = c
	cc := *c
	return &cc, nil
}
