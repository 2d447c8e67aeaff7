// Package regression replays every policy arm against a simulated retrieval
// service and checks that the tuner stays bounded, stable and available.
package regression
