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
	"github.com/gin-gonic/gin"
)

// Error codes surfaced in the JSON error body.
const (
	CodeProxyNotReady     = "PROXY_NOT_READY"
	CodeMissingURL        = "MISSING_URL"
	CodeUnsupportedScheme = "UNSUPPORTED_SCHEME"
	CodeForbiddenHost     = "FORBIDDEN_HOST"
	CodeRangeOutOfBounds  = "RANGE_OUT_OF_BOUNDS"
	CodeUpstreamError     = "UPSTREAM_ERROR"
)

// errorBody is the normalized JSON error response shape.
type errorBody struct {
	Error       string `json:"error"`
	UserMessage string `json:"user_message"`
	Details     string `json:"details,omitempty"`
}

func respondError(c *gin.Context, status int, code, userMessage, details string) {
	c.JSON(status, errorBody{
		Error:       code,
		UserMessage: userMessage,
		Details:     details,
	})
}
