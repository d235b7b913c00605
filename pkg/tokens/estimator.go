// Copyright 2025 Kadir Pekel
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

// Package tokens is the token accountant: per-stream rate tracking and
// per-stage usage aggregation for the deliberation pipeline.
package tokens

import (
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

var (
	encodingOnce sync.Once
	encoding     *tiktoken.Tiktoken
)

// Estimate counts the tokens in text. It uses the cl100k_base encoding when
// available and falls back to a whitespace split; either way a non-empty
// delta counts as at least one token.
func Estimate(text string) int {
	if text == "" {
		return 0
	}

	encodingOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err == nil {
			encoding = enc
		}
	})

	if encoding != nil {
		if n := len(encoding.Encode(text, nil, nil)); n > 0 {
			return n
		}
		return 1
	}

	if n := len(strings.Fields(text)); n > 0 {
		return n
	}
	return 1
}
