//go:build !linux

package recordstore

import "errors"

func exchange(a, b string) error {
	return errors.ErrUnsupported
}
