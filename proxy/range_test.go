/***************************************************************
 *
 * Copyright (C) 2026, Chunkproxy Contributors
 *
 * Licensed under the Apache License, Version 2.0 (the "License"); you
 * may not use this file except in compliance with the License.  You may
 * obtain a copy of the License at
 *
 *    http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 *
 ***************************************************************/

package proxy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRange(t *testing.T) {
	// No header at all: full stream
	spec, ok := parseRange("", 1000)
	assert.True(t, ok)
	assert.Nil(t, spec)

	// Closed range
	spec, ok = parseRange("bytes=100-199", 1000)
	require.True(t, ok)
	require.NotNil(t, spec)
	assert.Equal(t, int64(100), spec.start)
	assert.Equal(t, int64(199), spec.end)
	assert.True(t, spec.hasEnd)

	// Half-open range
	spec, ok = parseRange("bytes=500-", 1000)
	require.True(t, ok)
	require.NotNil(t, spec)
	assert.Equal(t, int64(500), spec.start)
	assert.False(t, spec.hasEnd)

	// Whitespace tolerated
	spec, ok = parseRange("bytes= 0-99", 1000)
	require.True(t, ok)
	assert.Equal(t, int64(0), spec.start)
}

func TestParseRangeSuffix(t *testing.T) {
	// Final N bytes
	spec, ok := parseRange("bytes=-500", 1000)
	require.True(t, ok)
	require.NotNil(t, spec)
	assert.Equal(t, int64(500), spec.start)
	assert.Equal(t, int64(999), spec.end)

	// Suffix longer than the resource means the whole resource
	spec, ok = parseRange("bytes=-2000", 1000)
	require.True(t, ok)
	assert.Equal(t, int64(0), spec.start)
	assert.Equal(t, int64(999), spec.end)

	// Suffix against an unknown size cannot be resolved locally
	spec, ok = parseRange("bytes=-500", 0)
	assert.False(t, ok)
	assert.Nil(t, spec)
}

func TestParseRangeMultiRangeTakesFirst(t *testing.T) {
	spec, ok := parseRange("bytes=0-99,200-299", 1000)
	require.True(t, ok)
	require.NotNil(t, spec)
	assert.Equal(t, int64(0), spec.start)
	assert.Equal(t, int64(99), spec.end)
}

func TestParseRangeUnparseable(t *testing.T) {
	for _, header := range []string{
		"items=0-99",
		"bytes=abc-def",
		"bytes=99-0",
		"bytes=-0",
		"bytes=oops",
	} {
		spec, ok := parseRange(header, 1000)
		assert.False(t, ok, "header %q should be unparseable", header)
		assert.Nil(t, spec)
	}
}
