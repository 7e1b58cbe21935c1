// Package storage persists the chat mapping (messaging identity -> account)
// and the delivery dedup state.
//
// Drivers: file (default), sqlite, redis, memory.
package storage
