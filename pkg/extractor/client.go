// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package extractor

import (
	"net/http"
	"time"
)

// buildHTTPClient creates an HTTP client with sensible defaults for index
// crawling, staging downloads, and HEAD probes.
func buildHTTPClient() *http.Client {
	tr := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		MaxIdleConns:          64,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	return &http.Client{Transport: tr}
}
