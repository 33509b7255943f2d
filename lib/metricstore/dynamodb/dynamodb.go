// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package dynamodb stores instrumentation records in an AWS DynamoDB
// table with partition key "game" and sort key "parameters".
package dynamodb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/computefarm/lbas/lib/metricstore"
	"github.com/sirupsen/logrus"
)

// Driver is the DynamoDB implementation of metricstore.Driver.
var Driver = metricstore.DriverFunc(newStore)

const (
	partitionKey = "game"
	sortKey      = "parameters"
)

type storeConfig struct {
	AccessKeyID     string
	SecretAccessKey string
	Region          string
	Endpoint        string
	Table           string

	// Maximum time to wait for a newly created table to become
	// active.
	CreateTimeout string
}

type dynamoInterface interface {
	dynamodb.DescribeTableAPIClient
	CreateTable(context.Context, *dynamodb.CreateTableInput, ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error)
	GetItem(context.Context, *dynamodb.GetItemInput, ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(context.Context, *dynamodb.PutItemInput, ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
}

type store struct {
	table  string
	client dynamoInterface
	logger logrus.FieldLogger
}

func newStore(ctx context.Context, conf json.RawMessage, logger logrus.FieldLogger) (metricstore.Store, error) {
	var sc storeConfig
	if len(conf) > 0 {
		if err := json.Unmarshal(conf, &sc); err != nil {
			return nil, err
		}
	}
	createTimeout := 2 * time.Minute
	if sc.CreateTimeout != "" {
		d, err := time.ParseDuration(sc.CreateTimeout)
		if err != nil {
			return nil, fmt.Errorf("CreateTimeout: %w", err)
		}
		createTimeout = d
	}
	awsConfig, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(sc.Region),
		func(o *config.LoadOptions) error {
			if sc.AccessKeyID == "" && sc.SecretAccessKey == "" {
				return nil
			}
			o.Credentials = credentials.StaticCredentialsProvider{
				Value: aws.Credentials{
					AccessKeyID:     sc.AccessKeyID,
					SecretAccessKey: sc.SecretAccessKey,
					Source:          "lbas configuration",
				},
			}
			return nil
		})
	if err != nil {
		return nil, fmt.Errorf("error loading aws client config: %w", err)
	}
	client := dynamodb.NewFromConfig(awsConfig, func(o *dynamodb.Options) {
		if sc.Endpoint != "" {
			o.BaseEndpoint = aws.String(sc.Endpoint)
		}
	})
	st := newStoreWithClient(client, sc.Table, logger)
	if err := st.ensureTable(ctx, createTimeout); err != nil {
		return nil, err
	}
	return st, nil
}

func newStoreWithClient(client dynamoInterface, table string, logger logrus.FieldLogger) *store {
	if table == "" {
		table = "metrics"
	}
	return &store{table: table, client: client, logger: logger}
}

// ensureTable creates the table if it does not exist, and waits for
// it to become active.
func (st *store) ensureTable(ctx context.Context, timeout time.Duration) error {
	_, err := st.client.CreateTable(ctx, &dynamodb.CreateTableInput{
		TableName: aws.String(st.table),
		KeySchema: []types.KeySchemaElement{
			{AttributeName: aws.String(partitionKey), KeyType: types.KeyTypeHash},
			{AttributeName: aws.String(sortKey), KeyType: types.KeyTypeRange},
		},
		AttributeDefinitions: []types.AttributeDefinition{
			{AttributeName: aws.String(partitionKey), AttributeType: types.ScalarAttributeTypeS},
			{AttributeName: aws.String(sortKey), AttributeType: types.ScalarAttributeTypeS},
		},
		ProvisionedThroughput: &types.ProvisionedThroughput{
			ReadCapacityUnits:  aws.Int64(1),
			WriteCapacityUnits: aws.Int64(1),
		},
	})
	var inUse *types.ResourceInUseException
	if errors.As(err, &inUse) {
		st.logger.WithField("Table", st.table).Debug("table already exists")
	} else if err != nil {
		return fmt.Errorf("create table %s: %w", st.table, err)
	} else {
		st.logger.WithField("Table", st.table).Info("created table")
	}
	waiter := dynamodb.NewTableExistsWaiter(st.client)
	err = waiter.Wait(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(st.table)}, timeout)
	if err != nil {
		return fmt.Errorf("waiting for table %s: %w", st.table, err)
	}
	return nil
}

func (st *store) Get(ctx context.Context, workload, key string) (int64, error) {
	out, err := st.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(st.table),
		Key: map[string]types.AttributeValue{
			partitionKey: &types.AttributeValueMemberS{Value: workload},
			sortKey:      &types.AttributeValueMemberS{Value: key},
		},
	})
	if err != nil {
		return 0, err
	}
	if len(out.Item) == 0 {
		return 0, metricstore.ErrNotFound
	}
	n, ok := out.Item["complexity"].(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("record %s/%s has no numeric complexity attribute", workload, key)
	}
	return strconv.ParseInt(n.Value, 10, 64)
}

func (st *store) Put(ctx context.Context, rec metricstore.Record) error {
	num := func(v int64) types.AttributeValue {
		return &types.AttributeValueMemberN{Value: strconv.FormatInt(v, 10)}
	}
	_, err := st.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(st.table),
		Item: map[string]types.AttributeValue{
			partitionKey: &types.AttributeValueMemberS{Value: rec.Workload},
			sortKey:      &types.AttributeValueMemberS{Value: rec.Parameters},
			"nblocks":    num(rec.Blocks),
			"nmethod":    num(rec.Methods),
			"ninsts":     num(rec.Instructions),
			"complexity": num(rec.Complexity),
		},
	})
	if err != nil {
		return err
	}
	st.logger.WithFields(logrus.Fields{
		"Workload":   rec.Workload,
		"Parameters": rec.Parameters,
		"Complexity": rec.Complexity,
	}).Debug("stored metrics")
	return nil
}
