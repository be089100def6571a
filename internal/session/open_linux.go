//go:build linux

package session

var defaultOpener Opener = OpenV4L2
