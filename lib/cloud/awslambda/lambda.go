// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package awslambda runs workloads as AWS Lambda functions.
package awslambda

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
	"github.com/computefarm/lbas/lib/cloud"
	"github.com/sirupsen/logrus"
)

// Driver is the Lambda implementation of cloud.InvokerDriver.
var Driver = cloud.InvokerDriverFunc(newInvoker)

type lambdaConfig struct {
	AccessKeyID     string
	SecretAccessKey string
	Region          string

	// Prepended to the workload name to form the function
	// name. Empty means the function is named after the
	// workload.
	FunctionPrefix string
}

type lambdaInterface interface {
	Invoke(context.Context, *lambda.InvokeInput, ...func(*lambda.Options)) (*lambda.InvokeOutput, error)
}

type invoker struct {
	config lambdaConfig
	client lambdaInterface
	logger logrus.FieldLogger
}

func newInvoker(conf json.RawMessage, logger logrus.FieldLogger) (cloud.Invoker, error) {
	inv := &invoker{logger: logger}
	if len(conf) > 0 {
		if err := json.Unmarshal(conf, &inv.config); err != nil {
			return nil, err
		}
	}
	awsConfig, err := config.LoadDefaultConfig(context.TODO(),
		config.WithRegion(inv.config.Region),
		func(o *config.LoadOptions) error {
			if inv.config.AccessKeyID == "" && inv.config.SecretAccessKey == "" {
				return nil
			}
			o.Credentials = credentials.StaticCredentialsProvider{
				Value: aws.Credentials{
					AccessKeyID:     inv.config.AccessKeyID,
					SecretAccessKey: inv.config.SecretAccessKey,
					Source:          "lbas configuration",
				},
			}
			return nil
		})
	if err != nil {
		return nil, fmt.Errorf("error loading aws client config: %w", err)
	}
	inv.client = lambda.NewFromConfig(awsConfig)
	return inv, nil
}

// Invoke calls the function synchronously. A function that raised
// an error is reported as status 500 with the function's error
// payload as the body.
func (inv *invoker) Invoke(ctx context.Context, function string, payload []byte) (int, []byte, error) {
	name := inv.config.FunctionPrefix + function
	out, err := inv.client.Invoke(ctx, &lambda.InvokeInput{
		FunctionName: aws.String(name),
		Payload:      payload,
	})
	if err != nil {
		return 0, nil, fmt.Errorf("invoke %s: %w", name, err)
	}
	if out.FunctionError != nil {
		inv.logger.WithFields(logrus.Fields{
			"Function":      name,
			"FunctionError": aws.ToString(out.FunctionError),
		}).Warn("function returned an error")
		return http.StatusInternalServerError, out.Payload, nil
	}
	return int(out.StatusCode), out.Payload, nil
}
