// Package model defines the core domain types of the bridge.
package model
