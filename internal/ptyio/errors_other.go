//go:build !unix

package ptyio

func isTransientReadErr(err error) bool { return false }
