// Package store provides customer record lookup keyed by phone number. The
// session loop resolves identity through it; the HTTP login endpoints verify
// against it.
package store

import (
	"context"
	"errors"
)

var ErrNotFound = errors.New("customer not found")

type BankDetails struct {
	AccountNumber string
	BankName      string
	IFSCCode      string
	AccountType   string
}

type Loan struct {
	LoanID   string
	LoanType string
	Amount   int64
	Status   string
	DueDate  string
}

type Customer struct {
	PhoneNumber string
	Name        string
	Email       string
	BankDetails []BankDetails
	Loans       []Loan
	CreditScore int
	CustomerID  string
	IncomeINR   int64
}

// Store looks up customer records. LookupByKey returns ErrNotFound for
// unknown keys; RandomKey backs the demo login endpoint.
type Store interface {
	LookupByKey(ctx context.Context, key string) (Customer, error)
	RandomKey(ctx context.Context) (string, error)
}
