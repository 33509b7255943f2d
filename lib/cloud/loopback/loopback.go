// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package loopback provides cloud drivers backed by a static list of
// local hosts, for development and testing without a cloud account.
package loopback

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/computefarm/lbas/lib/cloud"
	"github.com/sirupsen/logrus"
)

// Driver is the loopback implementation of the cloud.Driver interface.
var Driver = cloud.DriverFunc(newInstanceSet)

// InvokerDriver is the loopback implementation of the
// cloud.InvokerDriver interface.
var InvokerDriver = cloud.InvokerDriverFunc(newInvoker)

var errQuota = quotaError("loopback driver has no unused addresses")

type quotaError string

func (e quotaError) IsQuotaError() bool { return true }
func (e quotaError) Error() string      { return string(e) }

type instanceSetConfig struct {
	// Hosts handed out to new instances, in order. Each host
	// is used by at most one instance at a time.
	Addresses []string

	// Utilization reported for every instance.
	CPUUtilization float64
}

type instance struct {
	id      cloud.InstanceID
	address string
	state   cloud.InstanceState
}

type instanceSet struct {
	config    instanceSetConfig
	logger    logrus.FieldLogger
	instances map[cloud.InstanceID]*instance
	serial    int
	mtx       sync.Mutex
}

func newInstanceSet(config json.RawMessage, logger logrus.FieldLogger) (cloud.InstanceSet, error) {
	is := &instanceSet{
		logger:    logger,
		instances: map[cloud.InstanceID]*instance{},
	}
	if len(config) > 0 {
		if err := json.Unmarshal(config, &is.config); err != nil {
			return nil, err
		}
	}
	if len(is.config.Addresses) == 0 {
		is.config.Addresses = []string{"127.0.0.1"}
	}
	return is, nil
}

func (is *instanceSet) Create(ctx context.Context, instanceType string, image cloud.ImageID) (cloud.InstanceID, error) {
	is.mtx.Lock()
	defer is.mtx.Unlock()
	inUse := map[string]bool{}
	for _, inst := range is.instances {
		if inst.state != cloud.InstanceTerminated {
			inUse[inst.address] = true
		}
	}
	for _, addr := range is.config.Addresses {
		if inUse[addr] {
			continue
		}
		is.serial++
		inst := &instance{
			id:      cloud.InstanceID(fmt.Sprintf("loopback-%d", is.serial)),
			address: addr,
			state:   cloud.InstanceRunning,
		}
		is.instances[inst.id] = inst
		is.logger.WithFields(logrus.Fields{
			"Instance": inst.id,
			"Address":  addr,
		}).Info("created loopback instance")
		return inst.id, nil
	}
	return "", errQuota
}

func (is *instanceSet) Describe(ctx context.Context, id cloud.InstanceID) (cloud.InstanceStatus, error) {
	is.mtx.Lock()
	defer is.mtx.Unlock()
	inst, ok := is.instances[id]
	if !ok {
		return cloud.InstanceStatus{}, fmt.Errorf("instance %s not found", id)
	}
	return cloud.InstanceStatus{ID: id, State: inst.state, Address: inst.address}, nil
}

func (is *instanceSet) Terminate(ctx context.Context, id cloud.InstanceID) error {
	is.mtx.Lock()
	defer is.mtx.Unlock()
	if inst, ok := is.instances[id]; ok {
		inst.state = cloud.InstanceTerminated
	}
	return nil
}

func (is *instanceSet) Utilization(ctx context.Context, id cloud.InstanceID, window time.Duration) ([]cloud.Datapoint, error) {
	is.mtx.Lock()
	defer is.mtx.Unlock()
	if _, ok := is.instances[id]; !ok {
		return nil, nil
	}
	return []cloud.Datapoint{{Time: time.Now(), Value: is.config.CPUUtilization}}, nil
}

// Instances returns the IDs of non-terminated instances, sorted.
func (is *instanceSet) Instances() []cloud.InstanceID {
	is.mtx.Lock()
	defer is.mtx.Unlock()
	var ids []cloud.InstanceID
	for id, inst := range is.instances {
		if inst.state != cloud.InstanceTerminated {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (is *instanceSet) Stop() {
}

type invokerConfig struct {
	// Base URL of an HTTP service that handles the same
	// workload paths as a worker. Function "foo" is invoked as
	// GET {URL}/foo?{params}.
	URL string
}

type invoker struct {
	base   *url.URL
	client *http.Client
	logger logrus.FieldLogger
}

func newInvoker(config json.RawMessage, logger logrus.FieldLogger) (cloud.Invoker, error) {
	var conf invokerConfig
	if len(config) > 0 {
		if err := json.Unmarshal(config, &conf); err != nil {
			return nil, err
		}
	}
	if conf.URL == "" {
		return nil, errors.New("loopback invoker: URL is required")
	}
	base, err := url.Parse(conf.URL)
	if err != nil {
		return nil, fmt.Errorf("loopback invoker: %w", err)
	}
	return &invoker{base: base, client: &http.Client{}, logger: logger}, nil
}

func (inv *invoker) Invoke(ctx context.Context, function string, payload []byte) (int, []byte, error) {
	var params map[string]string
	if err := json.Unmarshal(payload, &params); err != nil {
		return 0, nil, fmt.Errorf("loopback invoker: payload: %w", err)
	}
	u := *inv.base
	u.Path = u.Path + "/" + function
	q := url.Values{}
	for k, v := range params {
		q.Set(k, v)
	}
	u.RawQuery = q.Encode()
	req, err := http.NewRequestWithContext(ctx, "GET", u.String(), nil)
	if err != nil {
		return 0, nil, err
	}
	resp, err := inv.client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, body, nil
}
