package store

import (
	"context"
	"math/rand"
	"sync"
)

// Memory is an in-memory Store for development and tests.
type Memory struct {
	mu        sync.RWMutex
	customers map[string]Customer
	keys      []string
}

func NewMemory(customers ...Customer) *Memory {
	m := &Memory{customers: make(map[string]Customer)}
	for _, c := range customers {
		m.Put(c)
	}
	return m
}

// NewMemorySeeded returns a Memory preloaded with the demo customer set.
func NewMemorySeeded() *Memory {
	return NewMemory(
		Customer{
			PhoneNumber: "9876543210",
			Name:        "John Doe",
			Email:       "john.doe@example.com",
			BankDetails: []BankDetails{{
				AccountNumber: "1234567890",
				BankName:      "Sample Bank",
				IFSCCode:      "SBIN0001234",
				AccountType:   "Savings",
			}},
			Loans: []Loan{{
				LoanID:   "LOAN001",
				LoanType: "Personal Loan",
				Amount:   100000,
				Status:   "Active",
				DueDate:  "2025-12-31",
			}},
			CreditScore: 750,
			CustomerID:  "CUST001",
			IncomeINR:   500000,
		},
		Customer{
			PhoneNumber: "9876543211",
			Name:        "Jane Smith",
			Email:       "jane.smith@example.com",
			BankDetails: []BankDetails{{
				AccountNumber: "0987654321",
				BankName:      "Sample Bank",
				IFSCCode:      "SBIN0005678",
				AccountType:   "Current",
			}},
			Loans: []Loan{{
				LoanID:   "LOAN002",
				LoanType: "Home Loan",
				Amount:   5000000,
				Status:   "Active",
				DueDate:  "2030-12-31",
			}},
			CreditScore: 800,
			CustomerID:  "CUST002",
			IncomeINR:   800000,
		},
	)
}

func (m *Memory) Put(c Customer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.customers[c.PhoneNumber]; !exists {
		m.keys = append(m.keys, c.PhoneNumber)
	}
	m.customers[c.PhoneNumber] = c
}

func (m *Memory) LookupByKey(ctx context.Context, key string) (Customer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.customers[key]
	if !ok {
		return Customer{}, ErrNotFound
	}
	return c, nil
}

func (m *Memory) RandomKey(ctx context.Context) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.keys) == 0 {
		return "", ErrNotFound
	}
	return m.keys[rand.Intn(len(m.keys))], nil
}
