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
	"errors"
)

// ErrorKind classifies fetch failures so each layer reacts distinctly:
// client errors are never retried, upstream errors rotate transports,
// and cache errors are self-healing (delete and refetch) and never
// user-visible.
type ErrorKind int

const (
	KindClientError ErrorKind = iota + 1
	KindUpstreamError
	KindCacheError
)

func (k ErrorKind) String() string {
	switch k {
	case KindClientError:
		return "client"
	case KindUpstreamError:
		return "upstream"
	case KindCacheError:
		return "cache"
	}
	return "unknown"
}

// KindedError tags an underlying error with its kind. It participates in
// errors.Is/As chains through Unwrap.
type KindedError struct {
	Kind ErrorKind
	Err  error
}

func (e *KindedError) Error() string {
	return e.Err.Error()
}

func (e *KindedError) Unwrap() error {
	return e.Err
}

// WithKind wraps err with a kind tag. Nil stays nil.
func WithKind(kind ErrorKind, err error) error {
	if err == nil {
		return nil
	}
	return &KindedError{Kind: kind, Err: err}
}

// KindOf extracts the kind from an error chain. Untagged errors are
// treated as upstream failures, the retryable default.
func KindOf(err error) ErrorKind {
	var ke *KindedError
	if errors.As(err, &ke) {
		return ke.Kind
	}
	return KindUpstreamError
}
