// Package testing provides the conformance suite for persistence backends.
//
// Each backend package calls RunBackendTests with a factory that creates an empty
// instance. Durable backends additionally call RunDurabilityTests with a function
// that reopens the same medium.
package testing
