// Package logx configures remindbot's structured logging.
//
// logx.Logger is a thin wrapper on top of zerolog that keeps console output
// short and readable while the rotated log file stays JSON-structured.
package logx
