// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keypass Contributors

//go:build tools

// Package main pins the ginkgo CLI used to run the integration suites
// (ginkgo -tags integration ./...) to the library version in go.mod.
package main

import (
	_ "github.com/onsi/ginkgo/v2/ginkgo"
)
