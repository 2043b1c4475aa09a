// Package mmc implements the host side of the MMC command protocol:
// command and data exchanges, card state operations, status polling and
// register decoding. Bus access goes through a Transport; callers
// serialize operations on a Host.
package mmc
