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

package fetcher

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorKinds(t *testing.T) {
	base := errors.New("connection reset")

	tagged := WithKind(KindUpstreamError, base)
	assert.Equal(t, KindUpstreamError, KindOf(tagged))
	assert.Equal(t, "connection reset", tagged.Error())
	assert.ErrorIs(t, tagged, base)

	// The tag survives further wrapping
	wrapped := errors.Wrap(tagged, "chunk 3 failed")
	assert.Equal(t, KindUpstreamError, KindOf(wrapped))

	// Untagged errors default to the retryable upstream kind
	assert.Equal(t, KindUpstreamError, KindOf(base))

	assert.Nil(t, WithKind(KindCacheError, nil))
}

func TestGetChunkClientErrorKind(t *testing.T) {
	f := newTestFetcher(t)
	_, err := f.GetChunk(context.Background(), "https://example.com/k", "https://example.com/k", 9, 100, false)
	require.Error(t, err)
	assert.Equal(t, KindClientError, KindOf(err))
}

func TestErrorKindString(t *testing.T) {
	assert.Equal(t, "client", KindClientError.String())
	assert.Equal(t, "upstream", KindUpstreamError.String())
	assert.Equal(t, "cache", KindCacheError.String())
	assert.Equal(t, "unknown", ErrorKind(0).String())
}
