// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
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

package producer

import (
	"fmt"

	"github.com/redis/go-redis/v9"

	"virusscan/internal/provider"
	"virusscan/internal/wire"
)

// RedisProviderFactory constructs producer-side DataProviders backed by
// a shared Redis client and, for SHARED_DISK, a shared tmp directory.
type RedisProviderFactory struct {
	Client            *redis.Client
	Prefix            string
	ScanTmpDir        string
	SharedDiskMounted bool
}

func (f *RedisProviderFactory) NewProducer(mode wire.Mode, taskID string) (provider.Provider, error) {
	switch mode {
	case wire.ModeInline:
		return provider.NewInlineProducer(f.Client, f.Prefix, taskID), nil
	case wire.ModeStream:
		return provider.NewStreamProducer(f.Client, f.Prefix, taskID), nil
	case wire.ModePath:
		return provider.NewSharedDiskProducer(f.ScanTmpDir, taskID)
	default:
		return nil, fmt.Errorf("producer: unknown provider mode %q", mode)
	}
}

func (f *RedisProviderFactory) Capabilities() provider.Capabilities {
	return provider.Capabilities{
		StreamAvailable:   f.Client != nil,
		SharedDiskMounted: f.SharedDiskMounted,
	}
}
