// Package policy holds the registry of named policy arms.
package policy
