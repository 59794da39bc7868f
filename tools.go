//go:build tools

// Package tools pins the versions of the linter and test runner used in
// development, which nothing else in the module imports.
package tools

import (
	_ "github.com/golangci/golangci-lint/cmd/golangci-lint"
	_ "github.com/onsi/ginkgo/ginkgo"
)
