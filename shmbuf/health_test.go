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

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHealthChecks(t *testing.T) {
	key := testKey()
	prod, err := CreateBufferAdv(key, 0, 16, 4, testTemplate)
	assert.Equal(t, nil, err)

	attached := AttachedCheck(prod)
	assert.NotEqual(t, nil, attached())

	cons, err := Attach(key)
	assert.Equal(t, nil, err)
	defer cons.Release()
	assert.Equal(t, nil, attached())

	live := LivenessCheck(cons)
	assert.Equal(t, nil, live())

	// drained and destroyed: the consumer's mapping outlives the unlink
	prod.Destroy()
	assert.Equal(t, errBufferDrained, live())
}

func TestHealthHandler(t *testing.T) {
	b, err := CreateBufferAdv(testKey(), 0, 16, 4, testTemplate)
	assert.Equal(t, nil, err)
	defer b.Destroy()

	h := HealthHandler(b)
	req := httptest.NewRequest(http.MethodGet, "/live", nil)
	rw := httptest.NewRecorder()
	h.ServeHTTP(rw, req)
	assert.Equal(t, http.StatusOK, rw.Code)

	// no monitor attached yet
	req = httptest.NewRequest(http.MethodGet, "/ready", nil)
	rw = httptest.NewRecorder()
	h.ServeHTTP(rw, req)
	assert.Equal(t, http.StatusServiceUnavailable, rw.Code)
}
