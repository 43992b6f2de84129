package postgres

import "dspetl/internal/storage"

func init() {
	storage.Register("postgres", New)
}
