package store

import (
	"context"
	"fmt"
	"math/rand"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// DynamoAPI is the slice of the DynamoDB client the store uses.
type DynamoAPI interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
}

// Dynamo reads customer records from a DynamoDB table keyed by PhoneNumber.
type Dynamo struct {
	client DynamoAPI
	table  string
}

func NewDynamo(client DynamoAPI, table string) *Dynamo {
	return &Dynamo{client: client, table: table}
}

func (d *Dynamo) LookupByKey(ctx context.Context, key string) (Customer, error) {
	out, err := d.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(d.table),
		Key: map[string]types.AttributeValue{
			"PhoneNumber": &types.AttributeValueMemberS{Value: key},
		},
	})
	if err != nil {
		return Customer{}, fmt.Errorf("dynamodb get %q: %w", key, err)
	}
	if out.Item == nil {
		return Customer{}, ErrNotFound
	}

	var c Customer
	if err := attributevalue.UnmarshalMap(out.Item, &c); err != nil {
		return Customer{}, fmt.Errorf("decode customer %q: %w", key, err)
	}
	return c, nil
}

// RandomKey scans the table's keys and picks one. The demo table is tiny;
// a full scan is fine here.
func (d *Dynamo) RandomKey(ctx context.Context) (string, error) {
	out, err := d.client.Scan(ctx, &dynamodb.ScanInput{
		TableName:            aws.String(d.table),
		ProjectionExpression: aws.String("PhoneNumber"),
	})
	if err != nil {
		return "", fmt.Errorf("dynamodb scan: %w", err)
	}
	if len(out.Items) == 0 {
		return "", ErrNotFound
	}

	item := out.Items[rand.Intn(len(out.Items))]
	attr, ok := item["PhoneNumber"].(*types.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("dynamodb scan: item missing PhoneNumber")
	}
	return attr.Value, nil
}
