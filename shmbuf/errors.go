/*
 * Copyright 2025 SREDiag Authors
 * Copyright 2023 CloudWeGo Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package shmbuf

import "errors"

var (
	// ErrSizeInvalid means a zero element size or capacity at creation, or a
	// zero-sized segment header at attach.
	ErrSizeInvalid = errors.New("invalid buffer size")

	// ErrAttachTimeout means the attach retries were exhausted.
	ErrAttachTimeout = errors.New("attach retries exhausted")

	// ErrEventUnknown means a registration referred to an event name absent
	// from the control segment.
	ErrEventUnknown = errors.New("unknown event name")

	// ErrAuxTooLarge rejects auxiliary allocations that would make handle
	// offsets overflow 32 bits.
	ErrAuxTooLarge = errors.New("aux segment larger than 4 GiB")
)
