//go:build !linux

package sock

import (
	"errors"

	"github.com/nyat-dev/nyat"
)

func reclaimPort(nyat.Protocol, uint16) error {
	return errors.New("port reclamation requires /proc and pidfd, available only on linux")
}
