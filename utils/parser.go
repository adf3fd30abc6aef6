package utils

import (
	"strconv"

	"github.com/cockroachdb/errors"
)

// ParsePort parses a TCP port number. Zero is rejected.
func ParsePort(s string) (int, error) {
	n, err := strconv.ParseUint(s, 10, 16)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid port %q", s)
	}
	if n == 0 {
		return 0, errors.Newf("invalid port %q", s)
	}
	return int(n), nil
}

// ParseSize parses a non-negative file size in bytes.
func ParseSize(s string) (int64, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid size %q", s)
	}
	if n < 0 {
		return 0, errors.Newf("negative size %q", s)
	}
	return n, nil
}
