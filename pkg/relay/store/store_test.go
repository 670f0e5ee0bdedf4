package store

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

func TestMemoryLookup(t *testing.T) {
	m := NewMemorySeeded()
	ctx := context.Background()

	c, err := m.LookupByKey(ctx, "9876543210")
	if err != nil {
		t.Fatal(err)
	}
	if c.Name != "John Doe" || c.CreditScore != 750 {
		t.Fatalf("unexpected customer: %+v", c)
	}
	if len(c.Loans) != 1 || c.Loans[0].LoanType != "Personal Loan" {
		t.Fatalf("unexpected loans: %+v", c.Loans)
	}

	if _, err := m.LookupByKey(ctx, "0000000000"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown key error = %v, want ErrNotFound", err)
	}
}

func TestMemoryRandomKey(t *testing.T) {
	m := NewMemorySeeded()
	key, err := m.RandomKey(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.LookupByKey(context.Background(), key); err != nil {
		t.Fatalf("RandomKey returned unknown key %q: %v", key, err)
	}

	empty := NewMemory()
	if _, err := empty.RandomKey(context.Background()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("empty store RandomKey = %v, want ErrNotFound", err)
	}
}

type fakeDynamo struct {
	items map[string]map[string]types.AttributeValue
	err   error
}

func (f *fakeDynamo) GetItem(ctx context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	key := in.Key["PhoneNumber"].(*types.AttributeValueMemberS).Value
	return &dynamodb.GetItemOutput{Item: f.items[key]}, nil
}

func (f *fakeDynamo) Scan(ctx context.Context, in *dynamodb.ScanInput, _ ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := &dynamodb.ScanOutput{}
	for key := range f.items {
		out.Items = append(out.Items, map[string]types.AttributeValue{
			"PhoneNumber": &types.AttributeValueMemberS{Value: key},
		})
	}
	return out, nil
}

func TestDynamoLookup(t *testing.T) {
	fake := &fakeDynamo{items: map[string]map[string]types.AttributeValue{
		"9876543210": {
			"PhoneNumber": &types.AttributeValueMemberS{Value: "9876543210"},
			"Name":        &types.AttributeValueMemberS{Value: "John Doe"},
			"CreditScore": &types.AttributeValueMemberN{Value: "750"},
		},
	}}
	d := NewDynamo(fake, "customers")

	c, err := d.LookupByKey(context.Background(), "9876543210")
	if err != nil {
		t.Fatal(err)
	}
	if c.Name != "John Doe" || c.CreditScore != 750 {
		t.Fatalf("unexpected customer: %+v", c)
	}

	if _, err := d.LookupByKey(context.Background(), "1111111111"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing item error = %v, want ErrNotFound", err)
	}
}

func TestDynamoRandomKey(t *testing.T) {
	fake := &fakeDynamo{items: map[string]map[string]types.AttributeValue{
		"9876543210": {"PhoneNumber": &types.AttributeValueMemberS{Value: "9876543210"}},
	}}
	d := NewDynamo(fake, "customers")

	key, err := d.RandomKey(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if key != "9876543210" {
		t.Fatalf("RandomKey = %q", key)
	}

	failing := NewDynamo(&fakeDynamo{err: errors.New("throttled")}, "customers")
	if _, err := failing.RandomKey(context.Background()); err == nil {
		t.Fatal("scan error swallowed")
	}
}
