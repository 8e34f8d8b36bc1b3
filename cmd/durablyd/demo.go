// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/durably/durably/pkg/durably"
)

// registerDemoJobs adds small built-in jobs so a fresh daemon can be
// exercised end to end from the HTTP API.
func registerDemoJobs(inst *durably.Instance) error {
	_, err := inst.Register(durably.Job{
		Name: "echo",
		Run: func(ctx context.Context, step *durably.StepContext, payload json.RawMessage) (any, error) {
			return durably.Step(ctx, step, "echo", func(ctx context.Context) (json.RawMessage, error) {
				return payload, nil
			})
		},
	})
	if err != nil {
		return err
	}

	_, err = inst.Register(durably.Job{
		Name: "countdown",
		ValidateInput: func(raw json.RawMessage) error {
			var in struct {
				From int `json:"from"`
			}
			if err := json.Unmarshal(raw, &in); err != nil {
				return fmt.Errorf("expected {\"from\": n}: %w", err)
			}
			if in.From < 1 || in.From > 100 {
				return fmt.Errorf("from must be between 1 and 100")
			}
			return nil
		},
		Run: func(ctx context.Context, step *durably.StepContext, payload json.RawMessage) (any, error) {
			var in struct {
				From int `json:"from"`
			}
			if err := json.Unmarshal(payload, &in); err != nil {
				return nil, err
			}
			for i := in.From; i > 0; i-- {
				n := i
				if _, err := durably.Step(ctx, step, fmt.Sprintf("tick-%d", n), func(ctx context.Context) (int, error) {
					time.Sleep(100 * time.Millisecond)
					return n, nil
				}); err != nil {
					return nil, err
				}
				step.Progress(ctx, in.From-i+1, in.From, fmt.Sprintf("counted down to %d", n-1))
			}
			return map[string]string{"result": "liftoff"}, nil
		},
	})
	return err
}
