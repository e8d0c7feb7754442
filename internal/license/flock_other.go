//go:build !(linux || darwin || freebsd || netbsd || openbsd || dragonfly)

package license

import "os"

// Platforms without flock rely on the in-process lock alone.
func tryLockFile(*os.File) (bool, error) { return true, nil }

func unlockFile(*os.File) {}
