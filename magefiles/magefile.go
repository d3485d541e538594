//go:build mage

// Package main provides build targets for cellmirror using Mage.
//
// Usage:
//
//	mage build          Compile the cellmirror binary to bin/
//	mage test:all       Run all tests
//	mage test:race      Run all tests with the race detector
//	mage test:cover     Write a coverage profile to bin/cover.out
//	mage test:golden    Regenerate CLI golden files
//	mage vet            Run go vet
//	mage lint           Run go vet and golangci-lint
//	mage clean          Remove build artifacts
//	mage install        Install cellmirror to GOPATH/bin
//	mage stats          Print Go LOC and documentation word counts
package main

const (
	binGo      = "go"
	binaryName = "cellmirror"
	binaryDir  = "bin"
	cmdDir     = "./cmd/cellmirror"
)
