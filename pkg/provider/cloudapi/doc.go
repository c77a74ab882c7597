// Package cloudapi implements the vendor API dialect through the official
// openai-go SDK. Streaming consumes the SDK's chunk iterator; the SDK's own
// retries are disabled so that the exchange ceiling stays authoritative.
package cloudapi
