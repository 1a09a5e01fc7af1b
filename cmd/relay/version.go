package main

// Build identity, set at build time:
//
//	go build -ldflags="-X main.commitHash=${COMMIT_HASH}" ./cmd/relay
var commitHash = "dev"
