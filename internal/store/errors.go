package store

import "errors"

var (
	// ErrCacheMiss means the persisted record was absent or could not be decoded and
	// factory defaults were substituted.
	ErrCacheMiss = errors.New("store: config cache miss")

	ErrCertLoad    = errors.New("store: certificate load failed")
	ErrInvalidCert = errors.New("store: not a DER encoded X.509 certificate")
)
