// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package ec2

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"
	"github.com/computefarm/lbas/lib/cloud"
	"github.com/sirupsen/logrus"
)

// Driver is the ec2 implementation of the cloud.Driver interface.
var Driver = cloud.DriverFunc(newEC2InstanceSet)

const (
	tagKeyRole  = "lbas-role"
	roleWorker  = "worker"
	cpuMetric   = "CPUUtilization"
	cpuPeriod   = 60
	metricSpace = "AWS/EC2"
)

var (
	throttleDelayMin = time.Second
	throttleDelayMax = time.Minute
)

type ec2InstanceSetConfig struct {
	AccessKeyID      string
	SecretAccessKey  string
	Region           string
	SecurityGroupIDs []string
	SubnetID         string
	KeyPairName      string

	// Use the instance's private IP address instead of its
	// public address when connecting to workers.
	UsePrivateIP bool

	// Additional tags applied to every instance.
	Tags map[string]string
}

type ec2Interface interface {
	RunInstances(context.Context, *ec2.RunInstancesInput, ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error)
	DescribeInstances(context.Context, *ec2.DescribeInstancesInput, ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error)
	TerminateInstances(context.Context, *ec2.TerminateInstancesInput, ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error)
}

type cloudwatchInterface interface {
	GetMetricStatistics(context.Context, *cloudwatch.GetMetricStatisticsInput, ...func(*cloudwatch.Options)) (*cloudwatch.GetMetricStatisticsOutput, error)
}

type ec2InstanceSet struct {
	ec2config     ec2InstanceSetConfig
	logger        logrus.FieldLogger
	client        ec2Interface
	cwClient      cloudwatchInterface
	throttleDelay atomic.Value
}

func newEC2InstanceSet(conf json.RawMessage, logger logrus.FieldLogger) (cloud.InstanceSet, error) {
	instanceSet := &ec2InstanceSet{
		logger: logger,
	}
	if len(conf) > 0 {
		err := json.Unmarshal(conf, &instanceSet.ec2config)
		if err != nil {
			return nil, err
		}
	}
	awsConfig, err := config.LoadDefaultConfig(context.TODO(),
		config.WithRegion(instanceSet.ec2config.Region),
		func(o *config.LoadOptions) error {
			if instanceSet.ec2config.AccessKeyID == "" && instanceSet.ec2config.SecretAccessKey == "" {
				// Use default sdk behavior (IAM role / env vars)
				return nil
			}
			o.Credentials = credentials.StaticCredentialsProvider{
				Value: aws.Credentials{
					AccessKeyID:     instanceSet.ec2config.AccessKeyID,
					SecretAccessKey: instanceSet.ec2config.SecretAccessKey,
					Source:          "lbas configuration",
				},
			}
			return nil
		})
	if err != nil {
		return nil, fmt.Errorf("error loading aws client config: %w", err)
	}
	instanceSet.client = ec2.NewFromConfig(awsConfig)
	instanceSet.cwClient = cloudwatch.NewFromConfig(awsConfig)
	return instanceSet, nil
}

func (instanceSet *ec2InstanceSet) Create(ctx context.Context, instanceType string, imageID cloud.ImageID) (cloud.InstanceID, error) {
	tags := []types.Tag{{
		Key:   aws.String(tagKeyRole),
		Value: aws.String(roleWorker),
	}}
	var keys []string
	for k := range instanceSet.ec2config.Tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		tags = append(tags, types.Tag{
			Key:   aws.String(k),
			Value: aws.String(instanceSet.ec2config.Tags[k]),
		})
	}

	rii := ec2.RunInstancesInput{
		ImageId:      aws.String(string(imageID)),
		InstanceType: types.InstanceType(instanceType),
		MaxCount:     aws.Int32(1),
		MinCount:     aws.Int32(1),
		TagSpecifications: []types.TagSpecification{{
			ResourceType: types.ResourceTypeInstance,
			Tags:         tags,
		}},
		InstanceInitiatedShutdownBehavior: types.ShutdownBehaviorTerminate,
	}
	if instanceSet.ec2config.KeyPairName != "" {
		rii.KeyName = aws.String(instanceSet.ec2config.KeyPairName)
	}
	if len(instanceSet.ec2config.SecurityGroupIDs) > 0 {
		rii.SecurityGroupIds = instanceSet.ec2config.SecurityGroupIDs
	}
	if instanceSet.ec2config.SubnetID != "" {
		rii.SubnetId = aws.String(instanceSet.ec2config.SubnetID)
	}

	rsv, err := instanceSet.client.RunInstances(ctx, &rii)
	err = wrapError(err, &instanceSet.throttleDelay)
	if err != nil {
		return "", err
	}
	if len(rsv.Instances) != 1 || rsv.Instances[0].InstanceId == nil {
		return "", fmt.Errorf("RunInstances returned %d instances, expected 1", len(rsv.Instances))
	}
	id := cloud.InstanceID(*rsv.Instances[0].InstanceId)
	instanceSet.logger.WithFields(logrus.Fields{
		"Instance":     id,
		"InstanceType": instanceType,
		"ImageID":      imageID,
	}).Info("created instance")
	return id, nil
}

func (instanceSet *ec2InstanceSet) Describe(ctx context.Context, id cloud.InstanceID) (cloud.InstanceStatus, error) {
	dio, err := instanceSet.client.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
		InstanceIds: []string{string(id)},
	})
	err = wrapError(err, &instanceSet.throttleDelay)
	if err != nil {
		return cloud.InstanceStatus{}, err
	}
	for _, rsv := range dio.Reservations {
		for _, inst := range rsv.Instances {
			if aws.ToString(inst.InstanceId) != string(id) {
				continue
			}
			status := cloud.InstanceStatus{ID: id, State: cloud.InstancePending}
			if inst.State != nil {
				switch inst.State.Name {
				case types.InstanceStateNameRunning:
					status.State = cloud.InstanceRunning
				case types.InstanceStateNameShuttingDown, types.InstanceStateNameTerminated,
					types.InstanceStateNameStopping, types.InstanceStateNameStopped:
					status.State = cloud.InstanceTerminated
				}
			}
			if instanceSet.ec2config.UsePrivateIP {
				status.Address = aws.ToString(inst.PrivateIpAddress)
			} else {
				status.Address = aws.ToString(inst.PublicIpAddress)
			}
			return status, nil
		}
	}
	return cloud.InstanceStatus{}, fmt.Errorf("instance %s not found", id)
}

func (instanceSet *ec2InstanceSet) Terminate(ctx context.Context, id cloud.InstanceID) error {
	_, err := instanceSet.client.TerminateInstances(ctx, &ec2.TerminateInstancesInput{
		InstanceIds: []string{string(id)},
	})
	var aerr smithy.APIError
	if errors.As(err, &aerr) && aerr.ErrorCode() == "InvalidInstanceID.NotFound" {
		return nil
	}
	return wrapError(err, &instanceSet.throttleDelay)
}

// Utilization implements cloud.Telemetry using CloudWatch's
// CPUUtilization metric, averaged per minute.
func (instanceSet *ec2InstanceSet) Utilization(ctx context.Context, id cloud.InstanceID, window time.Duration) ([]cloud.Datapoint, error) {
	now := time.Now()
	out, err := instanceSet.cwClient.GetMetricStatistics(ctx, &cloudwatch.GetMetricStatisticsInput{
		Namespace:  aws.String(metricSpace),
		MetricName: aws.String(cpuMetric),
		Dimensions: []cwtypes.Dimension{{
			Name:  aws.String("InstanceId"),
			Value: aws.String(string(id)),
		}},
		StartTime:  aws.Time(now.Add(-window)),
		EndTime:    aws.Time(now),
		Period:     aws.Int32(cpuPeriod),
		Statistics: []cwtypes.Statistic{cwtypes.StatisticAverage},
	})
	err = wrapError(err, nil)
	if err != nil {
		return nil, err
	}
	var dps []cloud.Datapoint
	for _, dp := range out.Datapoints {
		if dp.Timestamp == nil || dp.Average == nil {
			continue
		}
		dps = append(dps, cloud.Datapoint{Time: *dp.Timestamp, Value: *dp.Average})
	}
	// CloudWatch does not return datapoints in any particular
	// order.
	sort.Slice(dps, func(i, j int) bool { return dps[i].Time.Before(dps[j].Time) })
	return dps, nil
}

func (instanceSet *ec2InstanceSet) Stop() {
}

type rateLimitError struct {
	error
	earliestRetry time.Time
}

func (err rateLimitError) EarliestRetry() time.Time {
	return err.earliestRetry
}

func (err rateLimitError) Unwrap() error {
	return err.error
}

type quotaError struct {
	error
}

func (er *quotaError) IsQuotaError() bool {
	return true
}

func (er *quotaError) Unwrap() error {
	return er.error
}

var isCodeThrottle = map[string]bool{
	"RequestLimitExceeded": true,
	"Throttling":           true,
	"ThrottlingException":  true,
}

var isCodeQuota = map[string]bool{
	"InstanceLimitExceeded":        true,
	"VcpuLimitExceeded":            true,
	"InsufficientInstanceCapacity": true,
}

// wrapError converts provider errors into cloud.RateLimitError or
// cloud.QuotaError where appropriate. Consecutive throttle errors
// back off exponentially; any other outcome resets the delay.
func wrapError(err error, throttleValue *atomic.Value) error {
	var aerr smithy.APIError
	if errors.As(err, &aerr) && isCodeThrottle[aerr.ErrorCode()] {
		var d time.Duration
		if throttleValue != nil {
			d, _ = throttleValue.Load().(time.Duration)
			d = d * 3 / 2
		}
		if d < throttleDelayMin {
			d = throttleDelayMin
		} else if d > throttleDelayMax {
			d = throttleDelayMax
		}
		if throttleValue != nil {
			throttleValue.Store(d)
		}
		return rateLimitError{error: err, earliestRetry: time.Now().Add(d)}
	} else if errors.As(err, &aerr) && isCodeQuota[aerr.ErrorCode()] {
		return &quotaError{err}
	} else if throttleValue != nil {
		throttleValue.Store(time.Duration(0))
	}
	return err
}
