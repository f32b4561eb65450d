//go:build windows

package aox

import (
	"errors"
)

func setReusePort(fd int) error {
	return errors.New("multiple worker processes not supported on windows")
}
