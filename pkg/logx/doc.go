// Package logx is fetchd's structured logging layer on top of zerolog.
//
// Console output is human readable (short timestamp, file:line caller, colour
// only on a TTY). File output is JSON. Warnings and errors can additionally be
// forwarded to a chat through a Sender, bounded by a level floor and a rate.
package logx
