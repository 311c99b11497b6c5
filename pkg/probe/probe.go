/*
Copyright 2015 The Kubernetes Authors.
Modified 2021 Windmill Engineering.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package probe

import (
	"context"
	"errors"
	"time"
)

// Status is a coarse summary of a Result.
type Status string

const (
	// Success Status: the target accepted a TCP connection.
	Success Status = "success"
	// Failure Status: the probe recorded a failure cause.
	Failure Status = "failure"
	// Unknown Status: the connection closed without any recorded outcome.
	Unknown Status = "unknown"
)

// NoLatency is the Latency of a Result that never came online.
const NoLatency time.Duration = -1

// Result is the outcome of a single TCP probe attempt.
type Result struct {
	Host string `json:"host"`
	Port int    `json:"port"`
	// IP is the resolved IPv4 address, or empty if resolution never
	// completed.
	IP     string `json:"ip,omitempty"`
	Online bool   `json:"online"`
	// Latency is the time from the start of the attempt until the
	// connection was established, or NoLatency.
	Latency time.Duration `json:"-"`
	// Err is the failure cause, if any. It is always an *Error.
	Err error `json:"-"`
}

// LatencyMs returns Latency in milliseconds, or -1 when not online.
func (r Result) LatencyMs() float64 {
	if r.Latency < 0 {
		return -1
	}
	return float64(r.Latency) / float64(time.Millisecond)
}

// Code returns the stable code of Err, or "" when there is none.
func (r Result) Code() string {
	var perr *Error
	if errors.As(r.Err, &perr) {
		return perr.Code
	}
	return ""
}

// Status summarizes the result.
func (r Result) Status() Status {
	switch {
	case r.Online:
		return Success
	case r.Err != nil:
		return Failure
	}
	return Unknown
}

// Prober performs a check to determine whether a target is reachable.
type Prober interface {
	// Probe executes a single attempt.
	//
	// result describes the outcome, including failures observed while
	// probing; err is only non-nil when the attempt could not be set up and
	// result should be ignored.
	Probe(ctx context.Context) (result Result, err error)
}

// ProberFunc is a functional version of Prober.
type ProberFunc func(ctx context.Context) (Result, error)

// Probe executes a single attempt.
func (f ProberFunc) Probe(ctx context.Context) (Result, error) {
	return f(ctx)
}
