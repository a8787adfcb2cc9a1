// Package logx is a small structured-logging facade over zerolog.
//
// Components hold a logx.Logger by value. The zero value is a safe no-op,
// With() derives loggers with fixed fields, and a Logger created from a
// Service stays live across Service.Apply() reconfigurations.
package logx
