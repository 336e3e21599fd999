// Package types contains common types used across the sip package.
package types

type ContextKey string
